// Package api is the single gateway to the companion-chat REST backend. It
// attaches the bearer token to every request and turns transport and status
// failures into advisory notices plus a structured *Error for the caller.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kesepian/internal/metrics"
	"kesepian/internal/notice"
	"kesepian/internal/route"
)

const maxResponseBytes = 4 << 20

// Credentials is the part of the credential store the gateway touches.
type Credentials interface {
	Token(ctx context.Context) (string, bool)
	Clear(ctx context.Context) error
}

type Config struct {
	BaseURL     string
	Timeout     time.Duration
	UserAgent   string
	HTTPClient  *http.Client
	Credentials Credentials
	Navigator   route.Navigator
	Notifier    notice.Notifier
	Logger      zerolog.Logger
}

type Client struct {
	cfg     Config
	http    *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	hooks []func(context.Context)
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notice.Func(func(notice.Notice) {})
	}
	if cfg.Navigator == nil {
		cfg.Navigator = route.NavigatorFunc(func(string) {})
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		logger:  cfg.Logger.With().Str("component", "api").Logger(),
		metrics: metrics.Global(),
	}
}

// OnUnauthorized registers fn to run after the gateway has cleared stored
// credentials in response to a 401.
func (c *Client) OnUnauthorized(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	IsAdmin *bool           `json:"is_admin"`
}

// call performs one request. endpoint is a stable label for logs and metrics;
// out, when non-nil, receives the decoded data field.
func (c *Client) call(ctx context.Context, endpoint, method, path string, body any, out any) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Credentials != nil {
		if token, ok := c.cfg.Credentials.Token(ctx); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	log := c.logger.With().Str("endpoint", endpoint).Str("request_id", requestID).Logger()
	started := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportFailure(ctx, log, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.transportFailure(ctx, log, endpoint, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	log.Debug().Int("status", resp.StatusCode).Dur("took", time.Since(started)).Msg("api call")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.count(endpoint, "unauthorized")
		c.unauthorized(ctx)
		return nil, &Error{Kind: KindUnauthorized, Status: resp.StatusCode, Message: env.Message}
	case resp.StatusCode >= 500:
		c.count(endpoint, "server_error")
		log.Warn().Int("status", resp.StatusCode).Str("message", env.Message).Msg("server error")
		c.cfg.Notifier.Notify(notice.Notice{Kind: notice.ServerError, Text: "Server error. Please try again later."})
		return nil, &Error{Kind: KindServer, Status: resp.StatusCode, Message: env.Message}
	case resp.StatusCode == http.StatusForbidden:
		c.count(endpoint, "forbidden")
		return nil, &Error{Kind: KindForbidden, Status: resp.StatusCode, Message: env.Message}
	case resp.StatusCode == http.StatusNotFound:
		c.count(endpoint, "not_found")
		return nil, &Error{Kind: KindNotFound, Status: resp.StatusCode, Message: env.Message}
	case resp.StatusCode >= 300:
		c.count(endpoint, "rejected")
		return nil, &Error{Kind: KindRejected, Status: resp.StatusCode, Message: env.Message}
	}

	if decodeErr != nil {
		c.count(endpoint, "decode_error")
		return nil, &Error{Kind: KindDecode, Status: resp.StatusCode, Err: fmt.Errorf("decode %s envelope: %w", endpoint, decodeErr)}
	}
	if !env.Success {
		c.count(endpoint, "rejected")
		return nil, &Error{Kind: KindRejected, Status: resp.StatusCode, Message: env.Message}
	}
	if out != nil {
		if len(env.Data) == 0 || string(env.Data) == "null" {
			c.count(endpoint, "decode_error")
			return nil, &Error{Kind: KindDecode, Status: resp.StatusCode, Err: fmt.Errorf("%s response has no data", endpoint)}
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			c.count(endpoint, "decode_error")
			return nil, &Error{Kind: KindDecode, Status: resp.StatusCode, Err: fmt.Errorf("decode %s data: %w", endpoint, err)}
		}
	}

	c.count(endpoint, "ok")
	return &env, nil
}

func (c *Client) transportFailure(ctx context.Context, log zerolog.Logger, endpoint string, err error) error {
	// A caller abandoning the request is not a connectivity problem.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		c.count(endpoint, "canceled")
		return &Error{Kind: KindCanceled, Err: err}
	}
	if isTimeout(err) {
		c.count(endpoint, "timeout")
		log.Warn().Err(err).Msg("request timed out")
		c.cfg.Notifier.Notify(notice.Notice{Kind: notice.Timeout, Text: "Connection timeout. Please check your connection."})
		return &Error{Kind: KindTimeout, Err: err}
	}
	c.count(endpoint, "unreachable")
	log.Warn().Err(err).Msg("server unreachable")
	c.cfg.Notifier.Notify(notice.Notice{Kind: notice.Unreachable, Text: "Cannot reach the server. Please check your connection."})
	return &Error{Kind: KindUnreachable, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// unauthorized runs for every 401, including background calls: stored
// credentials go first, then the user is sent to login and told why.
func (c *Client) unauthorized(ctx context.Context) {
	c.metrics.ForcedLogouts.Inc()
	if c.cfg.Credentials != nil {
		if err := c.cfg.Credentials.Clear(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error().Err(err).Msg("failed to clear credentials after 401")
		}
	}
	c.cfg.Navigator.Navigate(route.Login)
	c.cfg.Notifier.Notify(notice.Notice{Kind: notice.SessionExpired, Text: "Your session has expired. Please log in again."})

	c.mu.Lock()
	hooks := append([]func(context.Context){}, c.hooks...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

func (c *Client) count(endpoint, outcome string) {
	c.metrics.Requests.WithLabelValues(endpoint, outcome).Inc()
}
