// Package connector executes outbound tool calls on the gateway's behalf
// (spec §4.4): SSRF-validated, pinned-dial HTTP requests with resource
// limits, plus a no-op mock kind for manifests under test.
package connector

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"go.uber.org/zap"

	"github.com/UAPK/gateway-core/internal/circuitbreaker"
	"github.com/UAPK/gateway-core/internal/gwerr"
	"github.com/UAPK/gateway-core/internal/manifest"
	"github.com/UAPK/gateway-core/internal/metrics"
	"github.com/UAPK/gateway-core/internal/secrets"
	"github.com/UAPK/gateway-core/internal/ssrf"
	"github.com/UAPK/gateway-core/internal/tracing"
)

const (
	// DefaultTimeout is the connector call budget when a tool declares none.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRequestBytes bounds the outbound request body.
	DefaultMaxRequestBytes = 1 << 20
	// DefaultMaxResponseBytes bounds the response body read, beyond which
	// Result.Truncated is set and the connection is closed.
	DefaultMaxResponseBytes = 1 << 20
	maxRedirectHops         = 5
)

// Result is ConnectorResult from spec §4.4. Execute never raises for a
// non-2xx status; only infrastructure failures become a *gwerr.Fault.
type Result struct {
	Status    int
	Headers   http.Header
	Body      []byte
	Truncated bool
	Duration  time.Duration
}

// Config tunes shared connector behavior across every Execute call.
type Config struct {
	SSRF             ssrf.Config
	Resolver         ssrf.Resolver
	MaxRequestBytes  int64
	MaxResponseBytes int64
	RateLimit        rate.Limit // requests/second per tool; 0 disables limiting
	RateBurst        int
	Logger           *zap.Logger

	// Breaker overrides the per-tool circuit breaker tuning. Zero value
	// falls back to circuitbreaker.ConnectorConfig().
	Breaker circuitbreaker.Config

	// DialContext overrides how the pinned transport opens its TCP
	// connection. Production leaves this nil (a plain net.Dialer to
	// target.ChosenIP); tests substitute a dialer that redirects to a
	// local test server while still exercising the SSRF validation and
	// pinned-hostname/TLS-SNI plumbing around it.
	DialContext func(ctx context.Context, network, pinnedAddr string) (net.Conn, error)
}

// Connector executes tool calls, rate-limited and circuit-broken per tool.
type Connector struct {
	cfg Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*circuitbreaker.CircuitBreaker
}

// New constructs a Connector. cfg.Resolver is required for any non-mock
// tool; a nil resolver panics on first use rather than silently skipping
// SSRF validation.
func New(cfg Config) *Connector {
	if cfg.MaxRequestBytes == 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if cfg.MaxResponseBytes == 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = circuitbreaker.ConnectorConfig()
	}
	return &Connector{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

func (c *Connector) limiterFor(tool string) *rate.Limiter {
	if c.cfg.RateLimit == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[tool]
	if !ok {
		burst := c.cfg.RateBurst
		if burst == 0 {
			burst = 1
		}
		l = rate.NewLimiter(c.cfg.RateLimit, burst)
		c.limiters[tool] = l
	}
	return l
}

// breakerFor returns the per-tool circuit breaker. Each call's pinned
// transport can target a different resolved address, so unlike a breaker
// built around one fixed *http.Client, the client here is built fresh per
// call while the breaker's open/half-open/closed state persists across
// calls for the same tool.
func (c *Connector) breakerFor(tool string) *circuitbreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[tool]
	if !ok {
		b = circuitbreaker.NewCircuitBreaker(tool, c.cfg.Breaker, c.cfg.Logger)
		c.breakers[tool] = b
	}
	return b
}

// Execute runs one tool call per spec §4.4. toolName identifies the tool
// for rate limiting and breaker keying; tc is the manifest's configuration
// for it; params is the caller-supplied argument map, JSON-encoded as the
// request body; secretsProvider resolves tc.Auth.SecretName at call time.
func (c *Connector) Execute(ctx context.Context, toolName string, tc manifest.ToolConfig, params map[string]interface{}, secretsProvider secrets.Provider) (*Result, *gwerr.Fault) {
	if tc.Kind == manifest.ToolKindMock {
		return c.executeMock(params)
	}

	ctx, span := tracing.StartConnectorSpan(ctx, toolName)
	defer span.End()
	callStart := time.Now()
	result, fault := c.execute(ctx, toolName, tc, params, secretsProvider)
	status := "ok"
	if fault != nil {
		status = string(fault.Code)
	}
	metrics.RecordConnectorCall(toolName, status, time.Since(callStart).Seconds())
	return result, fault
}

func (c *Connector) execute(ctx context.Context, toolName string, tc manifest.ToolConfig, params map[string]interface{}, secretsProvider secrets.Provider) (*Result, *gwerr.Fault) {
	if limiter := c.limiterFor(toolName); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, gwerr.NewFault(gwerr.CodeConnTimeout, fmt.Errorf("connector: rate limit wait: %w", err))
		}
	}

	timeout := time.Duration(tc.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(params)
	if err != nil {
		return nil, gwerr.NewFault(gwerr.CodeConnNetwork, fmt.Errorf("connector: encode params: %w", err))
	}
	if int64(len(body)) > c.cfg.MaxRequestBytes {
		return nil, gwerr.NewFault(gwerr.CodeConnSize, fmt.Errorf("connector: request body %d bytes exceeds limit %d", len(body), c.cfg.MaxRequestBytes))
	}

	rawURL := tc.EffectiveURL()
	method := tc.Method
	if method == "" {
		method = http.MethodPost
	}

	ssrfCfg := c.cfg.SSRF
	ssrfCfg.AllowHTTP = ssrfCfg.AllowHTTP || tc.AllowHTTP

	start := time.Now()
	resp, truncated, fault := c.dialAndDo(callCtx, toolName, ssrfCfg, rawURL, tc.AllowedDomains, method, body, tc, secretsProvider, 0)
	duration := time.Since(start)
	if fault != nil {
		return nil, fault
	}
	resp.Duration = duration
	resp.Truncated = resp.Truncated || truncated
	return resp, nil
}

func (c *Connector) dialAndDo(ctx context.Context, toolName string, ssrfCfg ssrf.Config, rawURL string, allowDomains []string, method string, body []byte, tc manifest.ToolConfig, secretsProvider secrets.Provider, hop int) (*Result, bool, *gwerr.Fault) {
	target, fault := ssrf.ValidateTarget(ctx, c.cfg.Resolver, ssrfCfg, rawURL, allowDomains)
	if fault != nil {
		return nil, false, fault
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, gwerr.NewFault(gwerr.CodeConnNetwork, fmt.Errorf("connector: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if err := applyAuth(ctx, req, tc.Auth, secretsProvider); err != nil {
		return nil, false, gwerr.NewFault(gwerr.CodeConnNetwork, fmt.Errorf("connector: resolve auth: %w", err))
	}

	client := &http.Client{
		Transport: pinnedTransport(target, c.cfg.DialContext),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	breaker := c.breakerFor(toolName)

	var resp *http.Response
	cbErr := breaker.Execute(ctx, func() error {
		var doErr error
		resp, doErr = client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &serverStatusError{code: resp.StatusCode}
		}
		return nil
	})
	metrics.RecordCircuitState(toolName, int(breaker.State()))
	if _, ok := cbErr.(*serverStatusError); ok {
		cbErr = nil
	}
	if cbErr != nil {
		return nil, false, classifyDialError(cbErr)
	}
	defer resp.Body.Close()

	if isRedirect(resp.StatusCode) && tc.FollowRedirects && hop < maxRedirectHops {
		loc := resp.Header.Get("Location")
		next, err := url.Parse(loc)
		if err != nil {
			return nil, false, gwerr.NewFault(gwerr.CodeConnNetwork, fmt.Errorf("connector: parse redirect location: %w", err))
		}
		base, _ := url.Parse(rawURL)
		resolved := base.ResolveReference(next).String()
		return c.dialAndDo(ctx, toolName, ssrfCfg, resolved, allowDomains, method, body, tc, secretsProvider, hop+1)
	}

	limited := io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, gwerr.NewFault(gwerr.CodeConnNetwork, fmt.Errorf("connector: read body: %w", err))
	}
	truncated := int64(len(data)) > c.cfg.MaxResponseBytes
	if truncated {
		data = data[:c.cfg.MaxResponseBytes]
	}

	return &Result{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    data,
	}, truncated, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func (c *Connector) executeMock(params map[string]interface{}) (*Result, *gwerr.Fault) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, gwerr.NewFault(gwerr.CodeConnNetwork, fmt.Errorf("connector: encode mock params: %w", err))
	}
	return &Result{Status: http.StatusOK, Headers: http.Header{}, Body: body}, nil
}

func applyAuth(ctx context.Context, req *http.Request, auth *manifest.ToolAuth, provider secrets.Provider) error {
	if auth == nil || auth.SecretName == "" {
		return nil
	}
	if provider == nil {
		return fmt.Errorf("connector: tool requires secret %q but no secrets provider configured", auth.SecretName)
	}
	value, err := provider.Resolve(ctx, auth.SecretName)
	if err != nil {
		return err
	}
	switch auth.Scheme {
	case "basic":
		req.Header.Set("Authorization", "Basic "+value)
	case "hmac":
		req.Header.Set("X-Signature", value)
	default:
		req.Header.Set("Authorization", "Bearer "+value)
	}
	return nil
}

func classifyDialError(err error) *gwerr.Fault {
	var netErr net.Error
	if asNetError(err, &netErr) && netErr.Timeout() {
		return gwerr.NewFault(gwerr.CodeConnTimeout, err)
	}
	if isTLSError(err) {
		return gwerr.NewFault(gwerr.CodeConnTLS, err)
	}
	return gwerr.NewFault(gwerr.CodeConnNetwork, err)
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func isTLSError(err error) bool {
	_, ok := err.(*tls.CertificateVerificationError)
	return ok
}

// serverStatusError marks a 5xx response as a circuit-breaker failure
// without surfacing it as a Go error to the caller.
type serverStatusError struct{ code int }

func (e *serverStatusError) Error() string { return http.StatusText(e.code) }

// pinnedTransport builds an http.Transport whose DialContext ignores the
// address net/http derives from the request URL and connects to
// target.ChosenIP directly, while TLS still presents target.Hostname for
// SNI and certificate validation (spec §4.4 TOCTOU-resistant dial).
func pinnedTransport(target *ssrf.ResolvedTarget, dial func(ctx context.Context, network, pinnedAddr string) (net.Conn, error)) *http.Transport {
	_, port, err := net.SplitHostPort(target.URL.Host)
	if err != nil {
		port = defaultPort(target.URL.Scheme)
	}
	pinnedAddr := net.JoinHostPort(target.ChosenIP.String(), port)

	if dial == nil {
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, target.Family, addr)
		}
	}

	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dial(ctx, target.Family, pinnedAddr)
		},
		TLSClientConfig: &tls.Config{
			ServerName: target.Hostname,
			MinVersion: tls.VersionTLS12,
		},
	}
}

func defaultPort(scheme string) string {
	if scheme == "http" {
		return "80"
	}
	return "443"
}
