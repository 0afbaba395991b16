package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/netbridge/internal/errs"
)

var (
	ErrNoCertificate = errs.New(errs.TLSHandshakeError, "transport: no certificate for server name")
	ErrInvalidDomain = errs.New(errs.TypeError, "transport: invalid certificate domain")
)

// LoadKeyPairPEM parses a PEM certificate chain and private key.
func LoadKeyPairPEM(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errs.Wrapf(errs.TLSHandshakeError, err, "transport: parse key pair")
	}
	return &cert, nil
}

// CertSelector picks a server certificate by SNI. Exact names win over
// single-label wildcards ("*.example.com"); the default is used otherwise.
type CertSelector struct {
	mu       sync.RWMutex
	def      *tls.Certificate
	exact    map[string]*tls.Certificate
	wildcard map[string]*tls.Certificate
}

func NewCertSelector(def *tls.Certificate) *CertSelector {
	return &CertSelector{
		def:      def,
		exact:    make(map[string]*tls.Certificate),
		wildcard: make(map[string]*tls.Certificate),
	}
}

// Add registers cert for domain, which may start with "*.".
func (c *CertSelector) Add(domain string, cert *tls.Certificate) error {
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if domain == "" || cert == nil {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if suffix, ok := strings.CutPrefix(domain, "*."); ok {
		if suffix == "" || strings.Contains(suffix, "*") {
			return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
		}
		c.wildcard[suffix] = cert
		return nil
	}
	if strings.Contains(domain, "*") {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	c.exact[domain] = cert
	return nil
}

func (c *CertSelector) SetDefault(cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.def = cert
}

// Select resolves the certificate for serverName.
func (c *CertSelector) Select(serverName string) (*tls.Certificate, error) {
	name := strings.ToLower(strings.TrimSuffix(serverName, "."))
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name != "" {
		if cert, ok := c.exact[name]; ok {
			return cert, nil
		}
		if _, parent, ok := strings.Cut(name, "."); ok {
			if cert, ok := c.wildcard[parent]; ok {
				return cert, nil
			}
		}
	}
	if c.def != nil {
		return c.def, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoCertificate, serverName)
}

func (c *CertSelector) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return c.Select(hello.ServerName)
}

// ServerTLSConfig builds a server config advertising alpn.
func ServerTLSConfig(selector *CertSelector, alpn []string) *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		NextProtos:     alpn,
		GetCertificate: selector.getCertificate,
	}
}

// ParseALPN splits a comma separated protocol list.
func ParseALPN(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UpgradeServer runs a server handshake over an accepted stream. The
// input stream is consumed.
func UpgradeServer(ctx context.Context, s *Stream, conf *tls.Config, cfg Config) (*Stream, error) {
	conn := tls.Server(s.NetConn(), conf)
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().HandshakeTimeout
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = s.Close()
		return nil, errs.Wrapf(errs.TLSHandshakeError, err, "transport: tls accept")
	}
	out := newStream(conn, KindTLS, s.r.Size())
	out.id = s.id
	out.alpn = conn.ConnectionState().NegotiatedProtocol
	return out, nil
}
