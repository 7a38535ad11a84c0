// Package httpx is the REST plumbing shared by the hand-rolled provider
// adapters: authentication, rate limiting, status classification and retry.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/infrastructure/retry"
)

const maxErrorBody = 64 << 10

// Auth decorates outgoing requests with credentials.
type Auth func(r *http.Request)

func BearerToken(token string) Auth {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func HeaderToken(header, token string) Auth {
	return func(r *http.Request) { r.Header.Set(header, token) }
}

func BasicAuth(user, password string) Auth {
	return func(r *http.Request) { r.SetBasicAuth(user, password) }
}

type Options struct {
	Timeout time.Duration
	// RequestsPerSecond of zero disables client-side throttling.
	RequestsPerSecond float64
	Burst             int
	Retry             retry.Policy
	Transport         http.RoundTripper
	Logger            *zap.Logger
}

type Client struct {
	provider domain.ProviderKind
	baseURL  string
	auth     Auth
	hc       *http.Client
	policy   retry.Policy
	log      *zap.Logger
}

func New(provider domain.ProviderKind, baseURL string, auth Auth, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.MinInterval == 0 {
		opts.Retry = retry.Adapter()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Client{
		provider: provider,
		baseURL:  TrimSlash(baseURL),
		auth:     auth,
		hc: &http.Client{
			Transport: NewTransport(opts.Transport, opts.RequestsPerSecond, opts.Burst),
			Timeout:   opts.Timeout,
		},
		policy: opts.Retry,
		log:    opts.Logger,
	}
}

// NewTransport returns base wrapped with a token-bucket limiter. A nil base
// uses a keep-alive transport with bounded idle connections.
func NewTransport(base http.RoundTripper, rps float64, burst int) http.RoundTripper {
	if base == nil {
		base = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	if rps <= 0 {
		return base
	}
	if burst <= 0 {
		burst = 1
	}
	return &limitedTransport{base: base, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

func (c *Client) BaseURL() string { return c.baseURL }

// Request describes one API call. Path is joined to the base URL unless it
// is already absolute.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Accept string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do performs the request with the adapter retry budget and returns the
// response of the first successful attempt. Non-2xx responses become
// classified domain errors.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	op := strings.ToLower(r.Method) + " " + r.Path
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (*Response, error) {
		return c.once(ctx, r, op)
	}, func(err error, next time.Duration) {
		c.log.Debug("retrying request",
			zap.String("provider", string(c.provider)),
			zap.String("op", op),
			zap.Duration("next", next),
			zap.Error(err),
		)
	})
}

// JSON performs the request and decodes a JSON body into out.
func (c *Client) JSON(ctx context.Context, r Request, out any) (http.Header, error) {
	resp, err := c.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp.Header, &domain.ProviderError{
				Kind:     domain.KindTransport,
				Provider: c.provider,
				Op:       r.Path,
				Message:  "decoding response",
				Err:      err,
			}
		}
	}
	return resp.Header, nil
}

// Text performs a GET and returns the body as a string.
func (c *Client) Text(ctx context.Context, path string, query url.Values) (string, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query, Accept: "text/plain"})
	if err != nil {
		return "", err
	}
	return string(resp.Body), nil
}

func (c *Client) once(ctx context.Context, r Request, op string) (*Response, error) {
	u := r.Path
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = c.baseURL + "/" + strings.TrimPrefix(r.Path, "/")
	}
	if len(r.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + r.Query.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("encoding request body: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, u, body)
	if err != nil {
		return nil, &domain.ConfigError{Field: "url", Message: "malformed request URL", Err: err}
	}
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Accept != "" {
		req.Header.Set("Accept", r.Accept)
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewTransportError(c.provider, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, _ := strconv.Atoi(ra); sec > 0 {
				select {
				case <-c.policy.TimeSource().After(time.Duration(sec) * time.Second):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		return nil, domain.NewHTTPError(c.provider, op, resp.StatusCode, "", "rate limited")
	}

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		code, msg := parseErrorBody(raw)
		if msg == "" {
			msg = resp.Status
		}
		return nil, domain.NewHTTPError(c.provider, op, resp.StatusCode, code, msg)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewTransportError(c.provider, op, err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

// parseErrorBody extracts the message and provider error code from the
// error payload shapes used by GitLab, GitHub, Jenkins and Azure DevOps.
func parseErrorBody(raw []byte) (code, message string) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", strings.TrimSpace(string(raw))
	}
	for _, k := range []string{"typeKey", "errorCode", "code", "error_code"} {
		if v, ok := body[k]; ok {
			code = fmt.Sprint(v)
			break
		}
	}
	for _, k := range []string{"message", "error_description", "error"} {
		if v, ok := body[k]; ok {
			if s, ok := v.(string); ok {
				return code, s
			}
			b, _ := json.Marshal(v)
			return code, string(b)
		}
	}
	return code, ""
}

func TrimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
