// Command agent runs the developer-machine agent standalone: it
// attaches to multiplexer sessions, owns their PTYs, and bridges I/O
// to a relay server, per spec.md section 1.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/studium-ignotum/iterm2-remote/internal/agentclient"
	"github.com/studium-ignotum/iterm2-remote/internal/config"
	"github.com/studium-ignotum/iterm2-remote/internal/muxadapter"
	"github.com/studium-ignotum/iterm2-remote/internal/ptyattach"
	"github.com/studium-ignotum/iterm2-remote/internal/qr"
	"github.com/studium-ignotum/iterm2-remote/internal/watcher"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("agent: config: %v", err)
	}

	logger := log.New(os.Stdout, "[agent] ", log.LstdFlags)

	relayServer := spawnRelayServer(cfg.Home, logger)
	if relayServer != nil {
		defer func() {
			logger.Printf("stopping relay-server (pid %d)", relayServer.Process.Pid)
			_ = relayServer.Process.Signal(syscall.SIGTERM)
		}()
	}

	adapter := muxadapter.New(cfg.TmuxBin)

	events := make(chan ptyattach.Event, 1000)
	manager := ptyattach.NewManager(adapter, events)

	client := agentclient.New(cfg.RelayURL, manager, adapter, events)
	client.Logger = logger
	client.OnRegistered = func(code string) {
		logger.Printf("registered: code=%s", code)
		share := "code: " + code
		fmt.Println(share)
		_ = qr.RenderANSI(os.Stdout, code)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := watcher.New(adapter, func(name string) {
		if _, err := manager.Attach(name); err != nil {
			logger.Printf("attach %s: %v", name, err)
		}
	})
	go w.Run(ctx)

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
	manager.CloseAll()
}

// spawnRelayServer starts a co-located relay-server helper binary if one is
// found next to this executable or under $HOME/.terminal-remote/bin. It
// returns nil without error if no such binary exists, since a relay may
// already be running elsewhere.
func spawnRelayServer(home string, logger *log.Logger) *exec.Cmd {
	bin := findRelayServerBinary(home)
	if bin == "" {
		logger.Printf("relay-server binary not found, assuming it is already running")
		return nil
	}
	cmd := exec.Command(bin)
	if err := cmd.Start(); err != nil {
		logger.Printf("failed to spawn relay-server: %v", err)
		return nil
	}
	logger.Printf("relay-server started (pid %d)", cmd.Process.Pid)
	return cmd
}

func findRelayServerBinary(home string) string {
	if exePath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exePath), "relay-server")
		if statOK(candidate) {
			return candidate
		}
	}
	if home != "" {
		candidate := filepath.Join(home, ".terminal-remote", "bin", "relay-server")
		if statOK(candidate) {
			return candidate
		}
	}
	return ""
}

func statOK(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
