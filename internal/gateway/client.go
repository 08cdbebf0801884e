package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// AuthMode selects how outbound requests are authenticated.
type AuthMode string

const (
	AuthNone   AuthMode = ""
	AuthBearer AuthMode = "bearer"
	AuthBasic  AuthMode = "basic"
	AuthAPIKey AuthMode = "apikey"
	AuthHMAC   AuthMode = "hmac"
)

// Encoding selects the transport format for request parameters.
type Encoding string

const (
	EncodeJSON Encoding = "json"
	EncodeForm Encoding = "form"
)

// Config holds one provider's credentials and retry tuning.
type Config struct {
	BaseURL       string
	Auth          AuthMode
	APIKey        string
	APISecret     string
	Username      string
	Password      string
	RetryAttempts int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Timeout       time.Duration
}

// Request describes one outbound provider call.
type Request struct {
	Method   string
	Path     string
	Params   map[string]interface{}
	Encoding Encoding
}

// Result is a normalized 2xx outcome. Business success is the caller's call;
// the client only reports transport outcome and shaped data.
type Result struct {
	StatusCode int
	Data       Normalized
	Attempts   int
	Elapsed    time.Duration
}

// Client executes signed provider calls with bounded retry and backoff.
// It is stateless per call and safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.SugaredLogger
}

// New builds a Client, applying retry defaults where the config is zero.
func New(cfg Config, log *zap.SugaredLogger) *Client {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{}, log: log}
}

// Call executes the request, retrying network failures and retryable HTTP
// statuses (408, 429, 5xx gateway family) up to the configured attempt count.
// All other failures terminate on the first attempt. The returned error is
// always a classified *Error.
func (c *Client) Call(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	var lastErr *Error

	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		status, body, contentType, err := c.do(ctx, req)
		if err == nil {
			if status >= 200 && status < 300 {
				return &Result{
					StatusCode: status,
					Data:       Normalize(contentType, body),
					Attempts:   attempt,
					Elapsed:    time.Since(start),
				}, nil
			}
			lastErr = &Error{
				Code:       classifyStatus(status),
				Message:    stringBody(body),
				StatusCode: status,
				Attempts:   attempt,
				Elapsed:    time.Since(start),
			}
			if !retryableStatus(status) {
				return nil, lastErr
			}
		} else {
			lastErr = &Error{
				Code:     classifyTransport(err),
				Message:  err.Error(),
				Attempts: attempt,
				Elapsed:  time.Since(start),
			}
			if ctx.Err() != nil {
				return nil, lastErr
			}
		}

		if attempt < c.cfg.RetryAttempts {
			c.log.Warnw("provider call retrying",
				"path", req.Path, "attempt", attempt, "code", lastErr.Code)
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				lastErr.Elapsed = time.Since(start)
				return nil, lastErr
			}
		}
	}

	lastErr.Elapsed = time.Since(start)
	return nil, lastErr
}

// backoff is base*2^(attempt-1) capped at MaxDelay, plus jitter up to base.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay << uint(attempt-1)
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(c.cfg.BaseDelay)))
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// do performs a single attempt under the per-call timeout.
func (c *Client) do(ctx context.Context, req Request) (int, []byte, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	fullURL := c.cfg.BaseURL + req.Path
	var body []byte
	contentType := ""

	switch {
	case req.Method == http.MethodGet:
		if len(req.Params) > 0 {
			vals := url.Values{}
			flattenParams(vals, "", req.Params)
			fullURL += "?" + vals.Encode()
		}
	case req.Encoding == EncodeForm:
		vals := url.Values{}
		flattenParams(vals, "", req.Params)
		body = []byte(vals.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		var err error
		body, err = json.Marshal(req.Params)
		if err != nil {
			return 0, nil, "", fmt.Errorf("encode params: %w", err)
		}
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, fullURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, "", err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	c.authenticate(httpReq, fullURL, body)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, "", err
	}
	return resp.StatusCode, respBody, resp.Header.Get("Content-Type"), nil
}

// authenticate applies the configured auth mode. HMAC signs
// method|url|timestamp|body with the API secret and sends the hex digest
// alongside the timestamp.
func (c *Client) authenticate(req *http.Request, fullURL string, body []byte) {
	switch c.cfg.Auth {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	case AuthBasic:
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	case AuthAPIKey:
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	case AuthHMAC:
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		msg := req.Method + "|" + fullURL + "|" + ts + "|" + string(body)
		mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
		mac.Write([]byte(msg))
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	}
}

// flattenParams encodes nested maps as key[sub] and slices as key[i] so query
// and form bodies accept the same parameter maps as JSON calls.
func flattenParams(vals url.Values, prefix string, params map[string]interface{}) {
	for k, v := range params {
		key := k
		if prefix != "" {
			key = prefix + "[" + k + "]"
		}
		flattenValue(vals, key, v)
	}
}

func flattenValue(vals url.Values, key string, v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		flattenParams(vals, key, t)
	case []interface{}:
		for i, item := range t {
			flattenValue(vals, key+"["+strconv.Itoa(i)+"]", item)
		}
	case []string:
		for i, item := range t {
			vals.Set(key+"["+strconv.Itoa(i)+"]", item)
		}
	case string:
		vals.Set(key, t)
	case nil:
		vals.Set(key, "")
	default:
		vals.Set(key, fmt.Sprintf("%v", t))
	}
}

func stringBody(b []byte) string {
	const max = 512
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
