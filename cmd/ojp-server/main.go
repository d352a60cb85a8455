// Command ojp-server runs one OJP proxy node: it loads configuration from
// flags/environment (server.LoadConfigFromFlags), starts the AMQP-fronted
// RPC server, and blocks until terminated.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ojp-io/ojp/server"
)

func main() {
	cfg := server.LoadConfigFromFlags()

	srv := server.NewServer(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("ojp-server: start failed: %v", err)
	}
	log.Printf("ojp-server: listening as %q on %s", cfg.DeviceID, cfg.AMQPURL)

	<-ctx.Done()
	log.Printf("ojp-server: shutting down")
	srv.Stop()
}
