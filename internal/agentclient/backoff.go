package agentclient

import "time"

// maxBackoffShift caps the exponential backoff at 2^5 = 32 seconds.
const maxBackoffShift = 5

// Backoff returns the reconnect delay for the nth consecutive failed
// attempt (n starting at 0): 1, 2, 4, 8, 16, 32, 32, ... seconds,
// per spec.md section 4.9's reconnect policy.
func Backoff(n int) time.Duration {
	if n > maxBackoffShift {
		n = maxBackoffShift
	}
	return time.Duration(1<<uint(n)) * time.Second
}
