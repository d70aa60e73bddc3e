// Package gateway is an HTTP client for the ledger gateway, a generic
// invoke/query proxy in front of a chaincode. It knows the proxy's fixed
// parameter contract (channel, chaincode, function, args) and nothing about
// what the chaincode functions mean.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultInvokeTimeout = 15 * time.Second
	defaultQueryTimeout  = 5 * time.Second
	defaultMaxBodyBytes  = 8 << 20
)

// Config holds the endpoint and per-call limits for a Client.
type Config struct {
	BaseURL       string
	ChannelID     string
	ChaincodeID   string
	InvokeTimeout time.Duration
	QueryTimeout  time.Duration
	MaxBodyBytes  int64
}

// Response is a raw gateway reply. Body is undecoded.
type Response struct {
	Function string
	Status   int
	Body     []byte
	Latency  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for gateway calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for per-call debug output.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Observer is told about every completed invoke or query call. status is 0
// when the request never got a response.
type Observer func(op, function string, status int, latency time.Duration, err error)

// WithObserver registers a callback run after each invoke or query.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client issues invoke and query calls. It holds no state besides its
// configuration and is safe for concurrent use.
type Client struct {
	cfg        Config
	base       *url.URL
	httpClient *http.Client
	logger     zerolog.Logger
	observer   Observer
}

// NewClient validates cfg, fills in default timeouts and returns a Client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("gateway url %q has no host", cfg.BaseURL)
	}
	if cfg.ChannelID == "" || cfg.ChaincodeID == "" {
		return nil, fmt.Errorf("channel id and chaincode id are required")
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	c := &Client{
		cfg:  cfg,
		base: u,
		httpClient: &http.Client{
			// Backstop only; each call carries its own context deadline.
			Timeout: cfg.InvokeTimeout + cfg.QueryTimeout,
		},
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Invoke submits a state-changing chaincode call via POST /invoke. It does
// not retry.
func (c *Client) Invoke(ctx context.Context, function string, args ...interface{}) (*Response, error) {
	form, err := c.params(function, args)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("invoke"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TransportError{Op: "invoke", Function: function, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, "invoke", function)
}

// Query evaluates a read-only chaincode call via GET /query.
func (c *Client) Query(ctx context.Context, function string, args ...interface{}) (*Response, error) {
	form, err := c.params(function, args)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("query")+"?"+form.Encode(), nil)
	if err != nil {
		return nil, &TransportError{Op: "query", Function: function, Err: err}
	}
	return c.do(req, "query", function)
}

// Ping reports whether the gateway answers HTTP at all. Any status counts;
// only a transport failure is an error.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+"/", nil)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil
}

func (c *Client) do(req *http.Request, op, function string) (*Response, error) {
	start := time.Now()
	resp, err := c.roundTrip(req, op, function)
	if c.observer != nil {
		status := 0
		var ge *GatewayError
		switch {
		case resp != nil:
			status = resp.Status
		case errors.As(err, &ge):
			status = ge.Status
		}
		c.observer(op, function, status, time.Since(start), err)
	}
	return resp, err
}

func (c *Client) roundTrip(req *http.Request, op, function string) (*Response, error) {
	req.Header.Set("Accept", "application/json, text/plain")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		c.logger.Debug().Err(err).
			Str("op", op).
			Str("function", function).
			Dur("latency", latency).
			Msg("gateway call failed")
		return nil, &TransportError{Op: op, Function: function, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, &TransportError{Op: op, Function: function, Err: fmt.Errorf("read body: %w", err)}
	}

	c.logger.Debug().
		Str("op", op).
		Str("function", function).
		Str("channel", c.cfg.ChannelID).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("latency", latency).
		Msg("gateway call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &GatewayError{Function: function, Status: resp.StatusCode, Body: truncateBody(body)}
	}
	return &Response{Function: function, Status: resp.StatusCode, Body: body, Latency: latency}, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + "/" + path
}

func (c *Client) params(function string, args []interface{}) (url.Values, error) {
	if function == "" {
		return nil, fmt.Errorf("function name is required")
	}
	encoded, err := EncodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("encode args for %s: %w", function, err)
	}
	v := url.Values{}
	v.Set("channelid", c.cfg.ChannelID)
	v.Set("chaincodeid", c.cfg.ChaincodeID)
	v.Set("function", function)
	for _, a := range encoded {
		v.Add("args", a)
	}
	return v, nil
}

// EncodeArgs renders chaincode arguments as text. Strings pass through
// unchanged; structured values are serialized to JSON.
func EncodeArgs(args []interface{}) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case string:
			out = append(out, v)
		case []byte:
			out = append(out, string(v))
		case json.RawMessage:
			out = append(out, string(v))
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			out = append(out, string(b))
		}
	}
	return out, nil
}
