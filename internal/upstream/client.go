// Package upstream sends chat-completion requests to the OpenAI-compatible
// gateway that sits behind the proxy.
//
// Requests are forwarded as raw bytes and responses are returned unparsed:
// status, content type and body reach the caller exactly as the upstream sent
// them. The client never retries; rotation is the caller's job.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/valyala/fasthttp"
)

const (
	// DefaultTimeout bounds one upstream attempt when Options.Timeout is unset.
	DefaultTimeout = 30 * time.Second

	chatPath = "/chat/completions"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, e.g. "https://openrouter.ai/api/v1".
	BaseURL string

	// Referer and Title are sent as HTTP-Referer and X-Title when non-empty.
	Referer string
	Title   string

	// Timeout bounds each attempt. Default: DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the fasthttp client used for forwarding.
	HTTPClient *fasthttp.Client
}

// Client is the outbound transport. Safe for concurrent use.
type Client struct {
	baseURL  string
	endpoint string
	referer  string
	title    string
	timeout  time.Duration

	http  *fasthttp.Client
	probe openaiSDK.Client
}

// Response is an upstream reply passed through untouched.
type Response struct {
	Status      int
	ContentType string
	Body        []byte

	// RetryAfter is the parsed Retry-After header; zero when absent or invalid.
	RetryAfter time.Duration
}

// TransportError means no HTTP response was obtained: connection failure,
// DNS error, timeout or cancellation.
type TransportError struct {
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream: timeout: %v", e.Err)
	}
	return fmt.Sprintf("upstream: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// New creates a Client.
func New(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &fasthttp.Client{
			Name:                "deepseek-rotator",
			MaxIdleConnDuration: 90 * time.Second,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
		}
	}

	c := &Client{
		baseURL:  base,
		endpoint: base + chatPath,
		referer:  opts.Referer,
		title:    opts.Title,
		timeout:  timeout,
		http:     hc,
	}

	probeOpts := []option.RequestOption{
		option.WithBaseURL(base),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if c.referer != "" {
		probeOpts = append(probeOpts, option.WithHeader("HTTP-Referer", c.referer))
	}
	if c.title != "" {
		probeOpts = append(probeOpts, option.WithHeader("X-Title", c.title))
	}
	c.probe = openaiSDK.NewClient(probeOpts...)

	return c
}

// Endpoint returns the full chat-completions URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Timeout returns the per-attempt timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// ChatCompletion posts body to the chat-completions endpoint authenticated
// with key. Any HTTP response, whatever its status, is returned with a nil
// error; a *TransportError is returned only when no response was received.
//
// The attempt ends at the earlier of the client timeout and ctx's deadline.
func (c *Client) ChatCompletion(ctx context.Context, key string, body []byte) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}
	req.SetBody(body)
	// Mirror the upstream's Content-Type only when it sent one.
	resp.Header.SetNoDefaultContentType(true)

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, &TransportError{Timeout: isTimeout(err), Err: err}
	}

	out := &Response{
		Status:      resp.StatusCode(),
		ContentType: string(resp.Header.ContentType()),
		Body:        append([]byte(nil), resp.Body()...),
		RetryAfter:  ParseRetryAfter(string(resp.Header.Peek("Retry-After")), time.Now()),
	}
	return out, nil
}

// Probe lists models with key to check that the upstream is reachable and
// accepts the key.
func (c *Client) Probe(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("upstream: probe: no API key available")
	}
	_, err := c.probe.Models.List(ctx, option.WithAPIKey(key))
	if err != nil {
		var apiErr *openaiSDK.Error
		if errors.As(err, &apiErr) {
			return fmt.Errorf("upstream: probe: status %d: %w", apiErr.StatusCode, err)
		}
		return fmt.Errorf("upstream: probe: %w", err)
	}
	return nil
}

// maxRetryAfter caps the cooldown an upstream can impose on a key.
const maxRetryAfter = 24 * time.Hour

// ParseRetryAfter interprets a Retry-After header value, either delta-seconds
// or an HTTP-date relative to now. It returns 0 for empty, malformed or past
// values and never more than maxRetryAfter.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		if secs >= int(maxRetryAfter/time.Second) {
			return maxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return min(d, maxRetryAfter)
		}
	}
	return 0
}

func isTimeout(err error) bool {
	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
