package vtu

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/starktol/vtu-platform/internal/gateway"
)

func TestCatalog_GetOrFetch(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "mtn", r.URL.Query().Get("network"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"plans":[{"code":"G1","size":"1GB"}]}`)
	}))
	defer srv.Close()

	log := zap.NewNop().Sugar()
	client := gateway.New(gateway.Config{BaseURL: srv.URL, RetryAttempts: 1, Timeout: time.Second}, log)

	rdb, mock := redismock.NewClientMock()
	cached := `{"plans":[{"code":"G1","size":"1GB"}]}`
	mock.ExpectGet("plans:data:mtn").RedisNil()
	mock.ExpectSet("plans:data:mtn", cached, time.Minute).SetVal("OK")
	mock.ExpectGet("plans:data:mtn").SetVal(cached)

	c := NewCatalog(rdb, client, time.Minute, log)
	ctx := context.Background()

	first, err := c.DataPlans(ctx, "mtn")
	require.NoError(t, err)
	assert.JSONEq(t, cached, string(first))
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	// second read is served from cache, provider untouched
	second, err := c.DataPlans(ctx, "mtn")
	require.NoError(t, err)
	assert.JSONEq(t, cached, string(second))
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalog_FetchErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	log := zap.NewNop().Sugar()
	client := gateway.New(gateway.Config{BaseURL: srv.URL, RetryAttempts: 1, Timeout: time.Second}, log)
	rdb, mock := redismock.NewClientMock()
	mock.ExpectGet("plans:cable:dstv").RedisNil()

	c := NewCatalog(rdb, client, time.Minute, log)
	_, err := c.CableBouquets(context.Background(), "dstv")
	assert.Error(t, err)
}
