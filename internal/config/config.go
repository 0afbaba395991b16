package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/netbridge/internal/engine"
	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/http2"
	"github.com/danmuck/netbridge/internal/logging"
	"github.com/danmuck/netbridge/internal/transport"
)

var ErrInvalid = errs.New(errs.TypeError, "config: invalid value")

// Config is the demo driver configuration.
type Config struct {
	Engine   engine.Config
	Listen   ListenConfig
	Settings string
	TLS      TLSConfig
	Client   ClientConfig
	Log      logging.Config
}

type ListenConfig struct {
	Addr string
	// BufferSize sizes protocol read buffers; it bounds an HTTP/1 head.
	BufferSize int
}

type TLSConfig struct {
	CertFile string
	KeyFile  string
	ALPN     []string
}

func (c TLSConfig) Enabled() bool { return c.CertFile != "" }

// ClientConfig drives connect retries of the demo client.
type ClientConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func Default() Config {
	return Config{
		Engine:   engine.DefaultConfig(),
		Listen:   ListenConfig{Addr: "127.0.0.1:8080", BufferSize: 16 * 1024},
		Settings: "default",
		TLS:      TLSConfig{ALPN: []string{"h2", "http/1.1"}},
		Client: ClientConfig{
			MaxAttempts:    5,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		Log: logging.DefaultConfig(logging.ProfileRuntime),
	}
}

type fileConfig struct {
	Runtime struct {
		CallbackWorkers int `toml:"callback_workers"`
		CallbackQueue   int `toml:"callback_queue"`
	} `toml:"runtime"`
	Listen struct {
		Addr             string `toml:"addr"`
		BufferSize       int    `toml:"buffer_size"`
		ReuseAddr        bool   `toml:"reuse_addr"`
		ConnectTimeout   string `toml:"connect_timeout"`
		HandshakeTimeout string `toml:"handshake_timeout"`
	} `toml:"listen"`
	HTTP1 struct {
		MaxBody int64 `toml:"max_body"`
	} `toml:"http1"`
	HTTP2 struct {
		Strict   bool   `toml:"strict"`
		Settings string `toml:"settings"`
	} `toml:"http2"`
	WebSocket struct {
		MaxPayload uint64 `toml:"max_payload"`
	} `toml:"websocket"`
	TLS struct {
		CertFile string   `toml:"cert_file"`
		KeyFile  string   `toml:"key_file"`
		ALPN     []string `toml:"alpn"`
		CAFile   string   `toml:"ca_file"`
	} `toml:"tls"`
	Client struct {
		MaxAttempts    int    `toml:"max_attempts"`
		InitialBackoff string `toml:"initial_backoff"`
		MaxBackoff     string `toml:"max_backoff"`
	} `toml:"client"`
	Log struct {
		Level     string `toml:"level"`
		NoColor   bool   `toml:"no_color"`
		Timestamp bool   `toml:"timestamp"`
	} `toml:"log"`
}

// Load reads path over the defaults; keys left out keep their default.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	cfg, err := fromFile(raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses a TOML document the way Load does.
func Decode(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg, err := fromFile(raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
	}
	cfg := Default()
	eng := &cfg.Engine

	if meta.IsDefined("runtime", "callback_workers") {
		eng.Runtime.CallbackWorkers = raw.Runtime.CallbackWorkers
	}
	if meta.IsDefined("runtime", "callback_queue") {
		eng.Runtime.CallbackQueue = raw.Runtime.CallbackQueue
	}

	if meta.IsDefined("listen", "addr") {
		cfg.Listen.Addr = strings.TrimSpace(raw.Listen.Addr)
	}
	if meta.IsDefined("listen", "buffer_size") {
		cfg.Listen.BufferSize = raw.Listen.BufferSize
		eng.Transport.ReadBufferSize = raw.Listen.BufferSize
	}
	if meta.IsDefined("listen", "reuse_addr") {
		eng.Transport.ReuseAddr = raw.Listen.ReuseAddr
	}
	if meta.IsDefined("listen", "connect_timeout") {
		d, err := parseDuration("listen.connect_timeout", raw.Listen.ConnectTimeout)
		if err != nil {
			return Config{}, err
		}
		eng.Transport.ConnectTimeout = d
	}
	if meta.IsDefined("listen", "handshake_timeout") {
		d, err := parseDuration("listen.handshake_timeout", raw.Listen.HandshakeTimeout)
		if err != nil {
			return Config{}, err
		}
		eng.Transport.HandshakeTimeout = d
	}

	if meta.IsDefined("http1", "max_body") {
		eng.HTTP1.MaxBody = raw.HTTP1.MaxBody
	}
	if meta.IsDefined("http2", "strict") {
		eng.Strict = raw.HTTP2.Strict
	}
	if meta.IsDefined("http2", "settings") {
		cfg.Settings = strings.ToLower(strings.TrimSpace(raw.HTTP2.Settings))
	}
	if meta.IsDefined("websocket", "max_payload") {
		eng.WebSocket.MaxPayload = raw.WebSocket.MaxPayload
	}

	if meta.IsDefined("tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("tls", "alpn") {
		cfg.TLS.ALPN = raw.TLS.ALPN
	}
	if meta.IsDefined("tls", "ca_file") {
		eng.Transport.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}

	if meta.IsDefined("client", "max_attempts") {
		cfg.Client.MaxAttempts = raw.Client.MaxAttempts
	}
	if meta.IsDefined("client", "initial_backoff") {
		d, err := parseDuration("client.initial_backoff", raw.Client.InitialBackoff)
		if err != nil {
			return Config{}, err
		}
		cfg.Client.InitialBackoff = d
	}
	if meta.IsDefined("client", "max_backoff") {
		d, err := parseDuration("client.max_backoff", raw.Client.MaxBackoff)
		if err != nil {
			return Config{}, err
		}
		cfg.Client.MaxBackoff = d
	}

	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return Config{}, fmt.Errorf("%w: log.level=%q", ErrInvalid, raw.Log.Level)
		}
		cfg.Log.Level = lvl
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("log", "timestamp") {
		cfg.Log.Timestamp = raw.Log.Timestamp
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return d, nil
}

// HTTP2Settings resolves the named settings profile.
func (c Config) HTTP2Settings() (http2.Settings, error) {
	switch c.Settings {
	case "", "default":
		return http2.DefaultSettings(), nil
	case "no_push":
		return http2.DefaultNoPushSettings(), nil
	case "maximum":
		return http2.MaximumSettings(), nil
	default:
		return nil, fmt.Errorf("%w: http2.settings=%q", ErrInvalid, c.Settings)
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen.Addr) == "" {
		return fmt.Errorf("%w: listen.addr is required", ErrInvalid)
	}
	if c.Listen.BufferSize <= 0 {
		return fmt.Errorf("%w: listen.buffer_size=%d", ErrInvalid, c.Listen.BufferSize)
	}
	if err := c.Engine.Transport.Validate(); err != nil {
		return err
	}
	if c.Engine.Runtime.CallbackWorkers < 0 || c.Engine.Runtime.CallbackQueue < 0 {
		return fmt.Errorf("%w: runtime sizes must not be negative", ErrInvalid)
	}
	if c.Engine.HTTP1.MaxBody <= 0 {
		return fmt.Errorf("%w: http1.max_body=%d", ErrInvalid, c.Engine.HTTP1.MaxBody)
	}
	if c.Engine.WebSocket.MaxPayload == 0 {
		return fmt.Errorf("%w: websocket.max_payload must be positive", ErrInvalid)
	}
	if _, err := c.HTTP2Settings(); err != nil {
		return err
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls.cert_file and tls.key_file go together", ErrInvalid)
	}
	for _, proto := range c.TLS.ALPN {
		if len(transport.ParseALPN(proto)) != 1 {
			return fmt.Errorf("%w: tls.alpn entry %q", ErrInvalid, proto)
		}
	}
	if c.Client.MaxAttempts <= 0 {
		return fmt.Errorf("%w: client.max_attempts=%d", ErrInvalid, c.Client.MaxAttempts)
	}
	if c.Client.InitialBackoff <= 0 || c.Client.MaxBackoff < c.Client.InitialBackoff {
		return fmt.Errorf("%w: client backoff %s..%s", ErrInvalid, c.Client.InitialBackoff, c.Client.MaxBackoff)
	}
	return nil
}
