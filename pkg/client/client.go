// Package client talks to a single storage server over its HTTP API.
//
// Every request carries the server's swissnum as a bearer token. Per-upload
// secrets travel as extra authorization headers, one per role. Nothing here
// retries; see package retry for a caller-side policy.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storagegrid/pkg/metrics"
	"storagegrid/pkg/types"

	"github.com/fxamacker/cbor/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	authorizationHeader = "Authorization"
	secretHeader        = "X-Tahoe-Authorization"
	swissnumScheme      = "Tahoe-LAFS"

	cborContentType = "application/cbor"

	// Upper bound on CBOR response bodies; share data is not subject to it.
	maxMetadataBody = 1 << 20

	defaultTimeout = 60 * time.Second
)

// Secret roles as they appear on the wire.
const (
	RoleLeaseRenew  = "lease-renew-secret"
	RoleLeaseCancel = "lease-cancel-secret"
	RoleUpload      = "upload-secret"
)

// Config configures a Client.
type Config struct {
	BaseURL  string // https://host:port
	Swissnum []byte

	HTTPClient *http.Client  // defaults to an otelhttp-instrumented client
	Timeout    time.Duration // used only when HTTPClient is nil
	Limiter    *rate.Limiter // optional request pacing
	Logger     *zap.Logger
}

// Client is an authenticated connection to one storage server.
type Client struct {
	baseURL  *url.URL
	swissnum []byte
	http     *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	if base.Scheme != "https" && base.Scheme != "http" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base URL %q has no host", cfg.BaseURL)
	}
	if len(cfg.Swissnum) == 0 {
		return nil, fmt.Errorf("swissnum is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:  base,
		swissnum: append([]byte(nil), cfg.Swissnum...),
		http:     httpClient,
		limiter:  cfg.Limiter,
		logger:   logger.With(zap.String("server", base.Host)),
	}, nil
}

// BaseURL returns the server endpoint this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// route is one of the fixed method/path pairs the server understands.
type route struct {
	method string
	path   string
}

func versionRoute() route {
	return route{http.MethodGet, "/v1/version"}
}

func immutableRoute(si types.StorageIndex) route {
	return route{http.MethodPost, "/v1/immutable/" + si.String()}
}

func shareRoute(method string, si types.StorageIndex, share types.ShareNumber) route {
	return route{method, fmt.Sprintf("/v1/immutable/%s/%d", si.String(), share)}
}

func listSharesRoute(si types.StorageIndex) route {
	return route{http.MethodGet, "/v1/immutable/" + si.String() + "/shares"}
}

// authHeaders returns the bearer header plus one header per supplied secret.
func (c *Client) authHeaders(secrets *types.Secrets) http.Header {
	h := http.Header{}
	h.Set(authorizationHeader, swissnumScheme+" "+base64.StdEncoding.EncodeToString(c.swissnum))
	if secrets == nil {
		return h
	}
	for _, s := range []struct {
		role  string
		value []byte
	}{
		{RoleLeaseRenew, secrets.LeaseRenew},
		{RoleLeaseCancel, secrets.LeaseCancel},
		{RoleUpload, secrets.Upload},
	} {
		if s.value == nil {
			continue
		}
		h.Add(secretHeader, s.role+" "+base64.StdEncoding.EncodeToString(s.value))
	}
	return h
}

// request sends one HTTP request. A non-nil error is always a
// *TransportError; status handling is left to the caller.
func (c *Client) request(ctx context.Context, op string, rt route, secrets *types.Secrets, body []byte, extra http.Header) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, rt.method, c.baseURL.String()+rt.path, reader)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	for k, vs := range c.authHeaders(secrets) {
		req.Header[k] = vs
	}
	for k, vs := range extra {
		req.Header[k] = vs
	}

	c.logger.Debug("Sending storage request",
		zap.String("op", op),
		zap.String("method", rt.method),
		zap.String("path", rt.path),
		zap.Int("body_bytes", len(body)))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	return resp, nil
}

// observe records metrics and a debug log line for a finished operation.
func (c *Client) observe(op string, started time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	elapsed := time.Since(started)
	metrics.RequestsTotal.WithLabelValues(op, outcome(err)).Inc()
	metrics.RequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		c.logger.Debug("Storage request failed", zap.String("op", op), zap.Duration("elapsed", elapsed), zap.Error(err))
	}
}

// decodeCBOR checks for a 2xx status and decodes the body into v.
func decodeCBOR(op string, resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody+1))
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProtocolError{Op: op, Status: resp.StatusCode, Detail: snippet(data)}
	}
	if len(data) > maxMetadataBody {
		return &ProtocolError{Op: op, Status: resp.StatusCode, Detail: "response body too large"}
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return &ProtocolError{Op: op, Status: resp.StatusCode, Detail: "invalid CBOR body", Err: err}
	}
	return nil
}

// drain discards the rest of a body so the connection can be reused.
func drain(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)
	return snippet(data)
}

func snippet(data []byte) string {
	const max = 200
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// ProtocolV1 keys the storage protocol parameters in the version response.
const ProtocolV1 = "http://allmydata.org/tahoe/protocols/storage/v1"

// V1Parameters are the limits and behaviours a server advertises.
type V1Parameters struct {
	MaximumImmutableShareSize               uint64 `cbor:"maximum-immutable-share-size"`
	MaximumMutableShareSize                 uint64 `cbor:"maximum-mutable-share-size"`
	AvailableSpace                          uint64 `cbor:"available-space"`
	ToleratesImmutableReadOverrun           bool   `cbor:"tolerates-immutable-read-overrun"`
	DeleteMutableSharesWithZeroLengthWritev bool   `cbor:"delete-mutable-shares-with-zero-length-writev"`
	FillsHolesWithZeroBytes                 bool   `cbor:"fills-holes-with-zero-bytes"`
	PreventsReadPastEndOfShareData          bool   `cbor:"prevents-read-past-end-of-share-data"`
}

// VersionInfo is the decoded /v1/version response.
type VersionInfo struct {
	Parameters         *V1Parameters `cbor:"http://allmydata.org/tahoe/protocols/storage/v1"`
	ApplicationVersion string        `cbor:"application-version"`
}

// GetVersion queries the server's capabilities and limits.
func (c *Client) GetVersion(ctx context.Context) (_ *VersionInfo, err error) {
	const op = "get_version"
	defer c.observe(op, time.Now(), &err)

	resp, err := c.request(ctx, op, versionRoute(), nil, nil, nil)
	if err != nil {
		return nil, err
	}

	var info VersionInfo
	if err := decodeCBOR(op, resp, &info); err != nil {
		return nil, err
	}
	if info.Parameters == nil {
		return nil, &ProtocolError{Op: op, Status: resp.StatusCode, Detail: "missing " + ProtocolV1 + " parameters"}
	}
	return &info, nil
}
