package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/netbridge/internal/config"
	"github.com/danmuck/netbridge/internal/logging"
	"github.com/danmuck/netbridge/internal/server"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "path to a netbridged TOML config (defaults apply when empty)")
	addr := flag.String("addr", "", "listen address override")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "netbridged: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Listen.Addr = *addr
	}

	logging.ConfigureWith(cfg.Log)
	log.Info().Str("config", *path).Str("addr", cfg.Listen.Addr).Msg("netbridged starting")
	if err := server.Run(cfg); err != nil {
		log.Error().Err(err).Msg("netbridged stopped")
		os.Exit(1)
	}
}
