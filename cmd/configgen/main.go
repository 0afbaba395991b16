package main

import (
	"flag"
	"log"

	"github.com/danmuck/netbridge/internal/config"
)

func main() {
	kind := flag.String("kind", "server", "config kind: server|client")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	defaultPath := func() string {
		switch *kind {
		case "server", "netbridged":
			return "cmd/netbridged/config.toml"
		case "client", "netbridge-get":
			return "cmd/netbridge-get/config.toml"
		}
		log.Fatalf("unknown kind: %s", *kind)
		return ""
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath()
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s (listen %s)", *kind, path, cfg.Listen.Addr)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath()
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
