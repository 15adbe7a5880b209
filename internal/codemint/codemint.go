// Package codemint generates short, human-typable session codes.
package codemint

import (
	"crypto/rand"
	"errors"
)

// Alphabet excludes 0/O/1/I/L to avoid visual confusion when a code is
// read off a screen and typed on a phone.
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Length is the number of characters in a minted code.
const Length = 6

// MaxAttempts bounds how many codes Mint draws against the caller's
// active set before giving up.
const MaxAttempts = 8

// ErrCapacity is returned when MaxAttempts collisions occur in a row.
var ErrCapacity = errors.New("codemint: capacity exhausted")

// Active reports whether code is already in use. Callers pass a closure
// over their own session map rather than Mint owning it.
type Active func(code string) bool

// Mint draws a Length-character code from Alphabet, redrawing on collision
// against active, with at most MaxAttempts draws in total.
func Mint(active Active) (string, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		code, err := draw()
		if err != nil {
			return "", err
		}
		if active == nil || !active(code) {
			return code, nil
		}
	}
	return "", ErrCapacity
}

func draw() (string, error) {
	buf := make([]byte, Length)
	idx := make([]byte, Length)
	if _, err := rand.Read(idx); err != nil {
		return "", err
	}
	for i, b := range idx {
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(buf), nil
}
