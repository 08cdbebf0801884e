package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func testClient(baseURL string, override func(*Config)) *Client {
	cfg := Config{
		BaseURL:       baseURL,
		RetryAttempts: 3,
		BaseDelay:     10 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		Timeout:       2 * time.Second,
	}
	if override != nil {
		override(&cfg)
	}
	return New(cfg, zap.NewNop().Sugar())
}

func TestCall_RetryBoundOn503(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(srv.URL, nil)
	start := time.Now()
	_, err := c.Call(context.Background(), Request{Method: http.MethodPost, Path: "/pay"})
	elapsed := time.Since(start)

	assert.Error(t, err)
	gwErr, ok := err.(*Error)
	assert.True(t, ok)
	assert.Equal(t, CodeServerError, gwErr.Code)
	assert.Equal(t, 3, gwErr.Attempts)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))

	// backoff schedule: 10ms + 20ms plus up to 10ms jitter per wait
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestCall_NonRetryableShortCircuit(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(srv.URL, nil)
	_, err := c.Call(context.Background(), Request{Method: http.MethodPost, Path: "/pay"})

	gwErr, ok := err.(*Error)
	assert.True(t, ok)
	assert.Equal(t, CodeBadRequest, gwErr.Code)
	assert.Equal(t, 1, gwErr.Attempts)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestCall_UnauthorizedClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, nil).Call(context.Background(), Request{Method: http.MethodGet, Path: "/whoami"})
	gwErr := err.(*Error)
	assert.Equal(t, CodeUnauthorized, gwErr.Code)
	assert.Equal(t, 1, gwErr.Attempts)
}

func TestCall_RateLimitedRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"successful"}`)
	}))
	defer srv.Close()

	res, err := testClient(srv.URL, nil).Call(context.Background(), Request{Method: http.MethodPost, Path: "/pay"})
	assert.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "successful", res.Data.String("status"))
}

func TestCall_TimeoutExhaustsAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := testClient(srv.URL, func(cfg *Config) { cfg.Timeout = 30 * time.Millisecond })
	_, err := c.Call(context.Background(), Request{Method: http.MethodPost, Path: "/pay"})

	gwErr := err.(*Error)
	assert.Equal(t, CodeTimeout, gwErr.Code)
	assert.Equal(t, 3, gwErr.Attempts)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestCall_NetworkErrorClassified(t *testing.T) {
	// closed port: connection refused
	c := testClient("http://127.0.0.1:1", func(cfg *Config) {
		cfg.RetryAttempts = 2
		cfg.BaseDelay = time.Millisecond
	})
	_, err := c.Call(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	gwErr := err.(*Error)
	assert.Equal(t, CodeNetworkError, gwErr.Code)
	assert.Equal(t, 2, gwErr.Attempts)
}

func TestCall_HMACSigning(t *testing.T) {
	var baseURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get("X-Timestamp")
		msg := r.Method + "|" + baseURL + r.URL.Path + "|" + ts + "|" + string(body)
		mac := hmac.New(sha256.New, []byte("s3cret"))
		mac.Write([]byte(msg))
		expected := hex.EncodeToString(mac.Sum(nil))

		assert.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		assert.NotEmpty(t, ts)
		assert.Equal(t, expected, r.Header.Get("X-Signature"))
		io.WriteString(w, `{"status":"ok"}`)
	}))
	defer srv.Close()
	baseURL = srv.URL

	c := testClient(srv.URL, func(cfg *Config) {
		cfg.Auth = AuthHMAC
		cfg.APIKey = "key-1"
		cfg.APISecret = "s3cret"
	})
	_, err := c.Call(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/vend",
		Params: map[string]interface{}{"amount": "100"},
	})
	assert.NoError(t, err)
}

func TestCall_FormEncodingFlattens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "mtn", r.PostForm.Get("network"))
		assert.Equal(t, "1", r.PostForm.Get("plans[0]"))
		assert.Equal(t, "2", r.PostForm.Get("plans[1]"))
		assert.Equal(t, "42", r.PostForm.Get("meta[user_id]"))
		io.WriteString(w, "OK")
	}))
	defer srv.Close()

	c := testClient(srv.URL, nil)
	_, err := c.Call(context.Background(), Request{
		Method:   http.MethodPost,
		Path:     "/buy",
		Encoding: EncodeForm,
		Params: map[string]interface{}{
			"network": "mtn",
			"plans":   []string{"1", "2"},
			"meta":    map[string]interface{}{"user_id": "42"},
		},
	})
	assert.NoError(t, err)
}

func TestCall_BearerAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL, func(cfg *Config) {
		cfg.Auth = AuthBearer
		cfg.APIKey = "tok"
	})
	_, err := c.Call(context.Background(), Request{Method: http.MethodGet, Path: "/me"})
	assert.NoError(t, err)
}

func TestCall_ContextCancelStopsRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := testClient(srv.URL, func(cfg *Config) {
		cfg.RetryAttempts = 5
		cfg.BaseDelay = 200 * time.Millisecond
	})
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := c.Call(ctx, Request{Method: http.MethodGet, Path: "/x"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
