package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/starktol/vtu-platform/internal/config"
	"github.com/starktol/vtu-platform/internal/ledger"
	"github.com/starktol/vtu-platform/internal/logger"
	"github.com/starktol/vtu-platform/internal/model"
	"github.com/starktol/vtu-platform/internal/recon"
	"github.com/starktol/vtu-platform/internal/repo"
)

const webhookSecret = "whsec_http_test"

func newTestRouter(t *testing.T) (*gin.Engine, *ledger.Service, context.Context) {
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=2000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Wallet{}, &model.Transaction{},
		&model.WebhookEvent{}, &model.OutboxEvent{},
	))

	rdb, _ := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	r := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	l := ledger.NewService(r, log)
	pipeline := recon.NewPipeline(r, l, log)

	router := NewRouter(Services{
		Ledger:          l,
		Pipeline:        pipeline,
		PaymentVerifier: recon.NewVerifier(webhookSecret),
		VTUVerifier:     recon.NewVerifier(webhookSecret),
	}, config.RateLimitConfig{RPS: 1000, Burst: 1000}, log)
	return router, l, context.Background()
}

func notify(t *testing.T, ref, status string, amount int64, userID uint64) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"event": "charge.completed",
		"data": map[string]interface{}{
			"tx_ref": ref,
			"status": status,
			"amount": amount,
			"meta":   map[string]interface{}{"user_id": userID},
		},
	})
	require.NoError(t, err)
	return b
}

func post(router *gin.Engine, path string, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:52000"
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_AcceptedAndDuplicate(t *testing.T) {
	router, l, ctx := newTestRouter(t)
	verifier := recon.NewVerifier(webhookSecret)

	pending, err := l.InitiateCredit(ctx, 1, decimal.NewFromInt(1000), model.TxDeposit, nil)
	require.NoError(t, err)

	body := notify(t, pending.PaymentReference, "successful", 1000, 1)

	rec := post(router, "/v1/webhooks/payment", body, verifier.Sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	bal, _ := l.GetBalance(ctx, 1)
	assert.Equal(t, "1000", bal.StringFixed(0))

	// redelivery: still 200, no second credit
	rec = post(router, "/v1/webhooks/payment", body, verifier.Sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate")

	bal, _ = l.GetBalance(ctx, 1)
	assert.Equal(t, "1000", bal.StringFixed(0))
}

func TestWebhook_BadSignature(t *testing.T) {
	router, l, ctx := newTestRouter(t)

	pending, err := l.InitiateCredit(ctx, 2, decimal.NewFromInt(500), model.TxDeposit, nil)
	require.NoError(t, err)

	body := notify(t, pending.PaymentReference, "successful", 500, 2)
	rec := post(router, "/v1/webhooks/payment", body, "ffff")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tx, _ := l.GetTransactionStatus(ctx, pending.PaymentReference)
	assert.Equal(t, model.StatusPending, tx.Status)
}

func TestWebhook_MalformedPayload(t *testing.T) {
	router, _, _ := newTestRouter(t)
	verifier := recon.NewVerifier(webhookSecret)

	body := []byte(`{"data":{}}`)
	rec := post(router, "/v1/webhooks/payment", body, verifier.Sign(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_UnknownReferenceNotRedelivered(t *testing.T) {
	router, _, _ := newTestRouter(t)
	verifier := recon.NewVerifier(webhookSecret)

	body := notify(t, "missing-ref", "successful", 100, 9)
	rec := post(router, "/v1/webhooks/vtu", body, verifier.Sign(body))
	// 200 so the provider stops redelivering; rejection is recorded for ops
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rejected")
}

func TestBalanceEndpoint(t *testing.T) {
	router, l, ctx := newTestRouter(t)

	pending, err := l.InitiateCredit(ctx, 3, decimal.NewFromInt(250), model.TxDeposit, nil)
	require.NoError(t, err)
	_, err = l.Apply(ctx, pending.PaymentReference, ledger.Outcome{Status: model.StatusCompleted})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/wallets/3/balance", nil)
	req.RemoteAddr = "10.0.0.1:52000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "250")
}

func TestNonNumericWalletIDRejected(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/wallets/abc/balance", nil)
	req.RemoteAddr = "10.0.0.1:52000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid wallet id")

	// transfer must not fall through to user 0 either
	body, _ := json.Marshal(map[string]string{"to_id": "6", "amount": "30"})
	req = httptest.NewRequest(http.MethodPost, "/v1/wallets/abc/transfer", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:52000"
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransactionStatusEndpoint(t *testing.T) {
	router, l, ctx := newTestRouter(t)

	pending, err := l.InitiateCredit(ctx, 4, decimal.NewFromInt(75), model.TxDeposit, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/"+pending.PaymentReference, nil)
	req.RemoteAddr = "10.0.0.1:52000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(model.StatusPending))

	req = httptest.NewRequest(http.MethodGet, "/v1/transactions/nope", nil)
	req.RemoteAddr = "10.0.0.1:52000"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransferEndpoint(t *testing.T) {
	router, l, ctx := newTestRouter(t)

	pending, err := l.InitiateCredit(ctx, 5, decimal.NewFromInt(100), model.TxDeposit, nil)
	require.NoError(t, err)
	_, err = l.Apply(ctx, pending.PaymentReference, ledger.Outcome{Status: model.StatusCompleted})
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"to_id": "6", "amount": "30"})
	req := httptest.NewRequest(http.MethodPost, "/v1/wallets/5/transfer", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:52000"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "70")

	// overdraw is a business rejection, not a server error
	body, _ = json.Marshal(map[string]string{"to_id": "6", "amount": "9999"})
	req = httptest.NewRequest(http.MethodPost, "/v1/wallets/5/transfer", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:52000"
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "INSUFFICIENT_BALANCE")
}
