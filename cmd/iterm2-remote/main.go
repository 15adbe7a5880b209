// Command iterm2-remote bundles the relay and agent into a single
// binary with subcommands, mirroring spec.md's two-process system
// behind one developer-facing entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/studium-ignotum/iterm2-remote/internal/agentclient"
	"github.com/studium-ignotum/iterm2-remote/internal/config"
	"github.com/studium-ignotum/iterm2-remote/internal/muxadapter"
	"github.com/studium-ignotum/iterm2-remote/internal/ptyattach"
	"github.com/studium-ignotum/iterm2-remote/internal/qr"
	"github.com/studium-ignotum/iterm2-remote/internal/relay"
	"github.com/studium-ignotum/iterm2-remote/internal/tunnel"
	"github.com/studium-ignotum/iterm2-remote/internal/watcher"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "relay":
		relayCmd(os.Args[2:])
	case "agent":
		agentCmd(os.Args[2:])
	case "attach":
		attachCmd(os.Args[2:])
	case "qr":
		qrCmd(os.Args[2:])
	case "version", "--version", "-version":
		fmt.Printf("iterm2-remote %s (%s) %s\n", version, commit, date)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("iterm2-remote <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  run      Start relay + agent together, with a public tunnel")
	fmt.Println("  relay    Start relay only")
	fmt.Println("  agent    Start agent only")
	fmt.Println("  attach   Attach a local multiplexer session interactively")
	fmt.Println("  qr       Print a QR code for a URL or code")
	fmt.Println("  version  Print version")
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	port := fs.Int("port", 3000, "relay listen port")
	tmuxBin := fs.String("tmux", "tmux", "multiplexer binary")
	printQR := fs.Bool("qr", true, "print a QR code for the session code")
	useTunnel := fs.Bool("tunnel", true, "spawn a public cloudflared tunnel")
	fs.Parse(args)

	logger := log.New(os.Stdout, "[iterm2-remote] ", log.LstdFlags)

	broker := relay.NewBroker()
	broker.SetLogger(logger)
	server := relay.NewServer(broker, logger)
	addr := fmt.Sprintf("0.0.0.0:%d", *port)

	httpServer := &http.Server{Addr: addr, Handler: server.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("relay: %v", err)
		}
	}()
	logger.Printf("relay listening on %s", addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *useTunnel {
		sup := tunnel.New(logger)
		urls, err := sup.Run(ctx, *port)
		if err != nil {
			logger.Printf("tunnel: %v", err)
		} else {
			go func() {
				if url, ok := <-urls; ok {
					fmt.Printf("Public URL: %s\n", url)
				}
			}()
		}
	}

	adapter := muxadapter.New(*tmuxBin)
	events := make(chan ptyattach.Event, 1000)
	manager := ptyattach.NewManager(adapter, events)

	client := agentclient.New(wsURL(fmt.Sprintf("127.0.0.1:%d", *port)), manager, adapter, events)
	client.Logger = logger
	client.OnRegistered = func(code string) {
		fmt.Printf("Session code: %s\n", code)
		if *printQR {
			_ = qr.RenderANSI(os.Stdout, code)
		}
	}

	w := watcher.New(adapter, func(name string) {
		if _, err := manager.Attach(name); err != nil {
			logger.Printf("attach %s: %v", name, err)
		}
	})
	go w.Run(ctx)

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("agent stopped: %v", err)
		}
	}()

	<-ctx.Done()
	manager.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func relayCmd(args []string) {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	port := fs.Int("port", 0, "listen port (overrides PORT env)")
	fs.Parse(args)

	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatalf("relay: config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logger := log.New(os.Stdout, "[relay] ", log.LstdFlags)
	broker := relay.NewBroker()
	broker.SetLogger(logger)
	server := relay.NewServer(broker, logger)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	logger.Printf("listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, server.Router()))
}

func agentCmd(args []string) {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	relayURL := fs.String("relay", "", "relay websocket url (overrides RELAY_URL env)")
	tmuxBin := fs.String("tmux", "", "multiplexer binary (overrides TMUX_BIN env)")
	fs.Parse(args)

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("agent: config: %v", err)
	}
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *tmuxBin != "" {
		cfg.TmuxBin = *tmuxBin
	}

	logger := log.New(os.Stdout, "[agent] ", log.LstdFlags)
	adapter := muxadapter.New(cfg.TmuxBin)
	events := make(chan ptyattach.Event, 1000)
	manager := ptyattach.NewManager(adapter, events)

	client := agentclient.New(cfg.RelayURL, manager, adapter, events)
	client.Logger = logger
	client.OnRegistered = func(code string) {
		fmt.Printf("Session code: %s\n", code)
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

func attachCmd(args []string) {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	session := fs.String("session", "main", "multiplexer session name")
	tmuxBin := fs.String("tmux", "tmux", "multiplexer binary")
	fs.Parse(args)

	adapter := muxadapter.New(*tmuxBin)
	if err := adapter.NewSession(*session); err != nil {
		logAttachWarning(err)
	}
	execAttach(*tmuxBin, *session)
}

func qrCmd(args []string) {
	fs := flag.NewFlagSet("qr", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		log.Fatal("usage: iterm2-remote qr <text>")
	}
	if err := qr.RenderANSI(os.Stdout, fs.Arg(0)); err != nil {
		log.Fatal(err)
	}
}

func execAttach(tmuxBin, session string) {
	cmd := exec.Command(tmuxBin, "attach", "-t", session)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		log.Fatal(err)
	}
}

func wsURL(addr string) string {
	return "ws://" + addr + "/ws"
}

func logAttachWarning(err error) {
	log.Printf("attach: new-session: %v (session may already exist)", err)
}
