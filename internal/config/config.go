// Package config loads the environment-driven settings for the relay
// and agent binaries, per spec.md section 6's "Agent environment" and
// "Relay HTTP surface" listings.
package config

import (
	"github.com/kelseyhightower/envconfig"
)

// RelayConfig is the relay binary's environment surface.
type RelayConfig struct {
	Port int `envconfig:"PORT" default:"3000"`
}

// AgentConfig is the agent binary's environment surface.
type AgentConfig struct {
	RelayURL string `envconfig:"RELAY_URL" default:"ws://localhost:3000/ws"`
	Shell    string `envconfig:"SHELL" default:"/bin/zsh"`
	Home     string `envconfig:"HOME"`
	TmuxBin  string `envconfig:"TMUX_BIN" default:"tmux"`
}

// LoadRelay reads RelayConfig from the process environment with no
// prefix, matching spec.md's bare `PORT` name exactly.
func LoadRelay() (RelayConfig, error) {
	var c RelayConfig
	if err := envconfig.Process("", &c); err != nil {
		return RelayConfig{}, err
	}
	return c, nil
}

// LoadAgent reads AgentConfig from the process environment with no
// prefix, matching spec.md's bare `RELAY_URL`/`SHELL`/`HOME` names.
func LoadAgent() (AgentConfig, error) {
	var c AgentConfig
	if err := envconfig.Process("", &c); err != nil {
		return AgentConfig{}, err
	}
	return c, nil
}
