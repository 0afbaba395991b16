package transport

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/netbridge/internal/errs"
)

var (
	ErrInvalidTimeout      = errs.New(errs.TypeError, "transport: timeout must be positive")
	ErrInvalidBufferSize   = errs.New(errs.TypeError, "transport: buffer size must be positive")
	ErrTLSCertFileRequired = errs.New(errs.TypeError, "transport: tls cert file required")
	ErrTLSKeyFileRequired  = errs.New(errs.TypeError, "transport: tls key file required")
)

// TLSConfig holds client side TLS material.
type TLSConfig struct {
	CAFile     string
	ServerName string
	CertFile   string
	KeyFile    string
	// RootCAs, when set, takes precedence over CAFile.
	RootCAs *x509.CertPool
}

// Config defines dial, handshake and buffering defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	ReuseAddr        bool
	TLS              TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadBufferSize:   4096,
		ReuseAddr:        true,
	}
}

func (c Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout=%s", ErrInvalidTimeout, c.ConnectTimeout)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake_timeout=%s", ErrInvalidTimeout, c.HandshakeTimeout)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBufferSize, c.ReadBufferSize)
	}
	mutualCert := strings.TrimSpace(c.TLS.CertFile) != ""
	mutualKey := strings.TrimSpace(c.TLS.KeyFile) != ""
	if mutualCert && !mutualKey {
		return ErrTLSKeyFileRequired
	}
	if mutualKey && !mutualCert {
		return ErrTLSCertFileRequired
	}
	return nil
}
