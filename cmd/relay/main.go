// Command relay runs the public relay server standalone, per spec.md
// section 6's relay HTTP surface.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/studium-ignotum/iterm2-remote/internal/config"
	"github.com/studium-ignotum/iterm2-remote/internal/relay"
)

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatalf("relay: config: %v", err)
	}

	logger := log.New(os.Stdout, "[relay] ", log.LstdFlags)
	broker := relay.NewBroker()
	broker.SetLogger(logger)
	server := relay.NewServer(broker, logger)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	logger.Printf("listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, server.Router()))
}
