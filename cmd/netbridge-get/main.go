package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/netbridge/internal/client"
	"github.com/danmuck/netbridge/internal/config"
	"github.com/danmuck/netbridge/internal/engine"
	"github.com/danmuck/netbridge/internal/logging"
	"github.com/danmuck/netbridge/internal/message"
)

// headerFlags collects repeated -H "Name: value" flags.
type headerFlags message.Headers

func (h *headerFlags) String() string { return fmt.Sprint(*h) }

func (h *headerFlags) Set(raw string) error {
	name, value, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("header %q is not Name: value", raw)
	}
	*h = append(*h, message.Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	return nil
}

func main() {
	path := flag.String("config", "", "path to a netbridge-get TOML config")
	method := flag.String("X", "GET", "request method")
	body := flag.String("d", "", "request body")
	h2 := flag.Bool("http2", false, "use HTTP/2 (prior knowledge on http, ALPN on https)")
	insecure := flag.Bool("k", false, "skip TLS certificate verification")
	verbose := flag.Bool("v", false, "print the status line and headers")
	var headers headerFlags
	flag.Var(&headers, "H", "request header, repeatable")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: netbridge-get [flags] URL")
		os.Exit(2)
	}

	cfg := config.Default()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "netbridge-get: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	logging.ConfigureWith(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, _ := engine.Init(cfg.Engine)
	res, err := client.New(e, cfg.Client).Do(ctx, client.Request{
		Method:   *method,
		URL:      flag.Arg(0),
		Headers:  message.Headers(headers),
		Body:     []byte(*body),
		HTTP2:    *h2,
		Insecure: *insecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "netbridge-get: %v\n", err)
		os.Exit(1)
	}

	if *verbose {
		fmt.Fprintf(os.Stderr, "%s %d %s\n", res.Version, res.Status, res.Reason)
		for _, h := range res.Headers {
			fmt.Fprintf(os.Stderr, "%s: %s\n", h.Name, h.Value)
		}
		fmt.Fprintln(os.Stderr)
	}
	_, _ = os.Stdout.Write(res.Body)
	if res.Status >= 400 {
		os.Exit(1)
	}
}
