package client

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NURL is a parsed storage server address of the form
// pb://<cert-hash>@<host:port>/<swissnum>#v=1.
type NURL struct {
	CertHash string // unpadded URL-safe base64 of SHA-256(SPKI)
	Address  string // host:port
	Swissnum string
}

// ParseNURL parses and validates a server NURL.
func ParseNURL(raw string) (*NURL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse NURL: %w", err)
	}
	if u.Scheme != "pb" {
		return nil, fmt.Errorf("invalid NURL scheme %q (expected pb)", u.Scheme)
	}
	if u.Fragment != "v=1" {
		return nil, fmt.Errorf("unsupported NURL version %q (expected v=1)", u.Fragment)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("NURL is missing the certificate hash")
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return nil, fmt.Errorf("invalid NURL address %q: %w", u.Host, err)
	}
	swissnum := strings.Trim(u.Path, "/")
	if swissnum == "" || strings.Contains(swissnum, "/") {
		return nil, fmt.Errorf("invalid NURL swissnum %q", swissnum)
	}

	hash := u.User.Username()
	if _, err := base64.RawURLEncoding.DecodeString(hash); err != nil {
		return nil, fmt.Errorf("invalid NURL certificate hash: %w", err)
	}

	return &NURL{CertHash: hash, Address: u.Host, Swissnum: swissnum}, nil
}

// String formats the NURL back into its canonical form.
func (n *NURL) String() string {
	return fmt.Sprintf("pb://%s@%s/%s#v=1", n.CertHash, n.Address, n.Swissnum)
}

// BaseURL is the HTTPS endpoint for the storage API.
func (n *NURL) BaseURL() string {
	return "https://" + n.Address
}

// SPKIHash returns the pin format used in NURLs for a certificate.
func SPKIHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// PinnedTLSConfig accepts exactly one server key, identified by its SPKI
// hash. Storage servers use self-signed certificates, so chain validation
// is replaced by the pin check.
func PinnedTLSConfig(certHash string) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("server presented no certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("failed to parse server certificate: %w", err)
			}
			got := SPKIHash(cert)
			if subtle.ConstantTimeCompare([]byte(got), []byte(certHash)) != 1 {
				return fmt.Errorf("server certificate hash %s does not match pinned %s", got, certHash)
			}
			return nil
		},
	}
}

// NewFromNURL builds a Client whose transport pins the certificate named in
// the NURL. BaseURL, Swissnum and HTTPClient in cfg are overwritten.
func NewFromNURL(raw string, cfg Config) (*Client, error) {
	n, err := ParseNURL(raw)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = PinnedTLSConfig(n.CertHash)
	transport.ForceAttemptHTTP2 = true
	transport.IdleConnTimeout = idleTimeout

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	cfg.BaseURL = n.BaseURL()
	cfg.Swissnum = []byte(n.Swissnum)
	cfg.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}
	return New(cfg)
}

// idleTimeout bounds how long pooled connections to one server stay open.
const idleTimeout = 90 * time.Second

// CloseIdle releases pooled connections held by the client.
func (c *Client) CloseIdle() {
	c.http.CloseIdleConnections()
}
