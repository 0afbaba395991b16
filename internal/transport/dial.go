package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/rs/zerolog/log"
)

// Connect dials a plain TCP stream.
func Connect(ctx context.Context, addr string, cfg Config) (*Stream, error) {
	conn, err := dial(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	return newStream(conn, KindTCP, cfg.ReadBufferSize), nil
}

// TLSConnect dials addr and runs a client handshake for domain offering
// alpn. verify=false skips certificate verification.
func TLSConnect(ctx context.Context, addr, domain string, alpn []string, verify bool, cfg Config) (*Stream, error) {
	rawConn, err := dial(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := clientTLSConfig(addr, domain, alpn, verify, cfg.TLS)
	if err != nil {
		_ = rawConn.Close()
		return nil, errs.Wrap(errs.TLSHandshakeError, err)
	}
	conn := tls.Client(rawConn, tlsCfg)
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().HandshakeTimeout
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, errs.Wrapf(errs.TLSHandshakeError, err, "transport: tls handshake with %s", addr)
	}
	s := newStream(conn, KindTLS, cfg.ReadBufferSize)
	s.alpn = conn.ConnectionState().NegotiatedProtocol
	log.Debug().Str("stream", s.id.String()).Str("addr", addr).Str("alpn", s.alpn).Msg("tls connected")
	return s, nil
}

func dial(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ConnectTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.Wrapf(errs.ConnectError, err, "transport: connect %s", addr)
	}
	return conn, nil
}

func clientTLSConfig(addr, domain string, alpn []string, verify bool, sec TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !verify,
		NextProtos:         alpn,
	}

	serverName := strings.TrimSpace(domain)
	if serverName == "" {
		serverName = strings.TrimSpace(sec.ServerName)
	}
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	switch {
	case sec.RootCAs != nil:
		cfg.RootCAs = sec.RootCAs
	case strings.TrimSpace(sec.CAFile) != "":
		caPEM, err := os.ReadFile(sec.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", sec.CAFile)
		}
		cfg.RootCAs = pool
	}

	if strings.TrimSpace(sec.CertFile) != "" {
		cert, err := tls.LoadX509KeyPair(sec.CertFile, sec.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
