package recon

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/starktol/vtu-platform/internal/ledger"
	"github.com/starktol/vtu-platform/internal/model"
	"github.com/starktol/vtu-platform/internal/repo"
)

// ErrInvalidSignature means the webhook signature did not match the payload.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrMalformedPayload means the notification body could not be interpreted.
var ErrMalformedPayload = errors.New("malformed notification payload")

// ErrUnknownReference means no transaction matches the notification's reference.
var ErrUnknownReference = errors.New("unknown transaction reference")

// ErrAmountMismatch means the notification's amount differs from the
// transaction it references.
var ErrAmountMismatch = errors.New("notification amount mismatch")

// Notification is the generic inbound payload shared by the payment gateway
// and VTU provider callbacks.
type Notification struct {
	Event string `json:"event"`
	Data  struct {
		TxRef       string          `json:"tx_ref"`
		Status      string          `json:"status"`
		Amount      decimal.Decimal `json:"amount"`
		ProviderRef string          `json:"provider_ref"`
		Meta        struct {
			UserID uint64 `json:"user_id"`
		} `json:"meta"`
	} `json:"data"`
}

// Result reports how a notification was resolved.
type Result struct {
	Duplicate   bool
	Transaction *model.Transaction
}

// Pipeline resolves inbound notifications against pending transactions and
// drives the ledger to apply each outcome exactly once. It owns all
// Transaction.Status transitions.
type Pipeline struct {
	repo   repo.RepositoryInterface
	ledger *ledger.Service
	log    *zap.SugaredLogger
}

func NewPipeline(r repo.RepositoryInterface, l *ledger.Service, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{repo: r, ledger: l, log: logger}
}

// Process handles one delivery from the named provider. Every delivery gets
// its own WebhookEvent row; the event is marked processed only after the
// ledger mutation (or its duplicate no-op) completes. A store failure leaves
// the event unprocessed so the provider's redelivery recovers it.
func (p *Pipeline) Process(ctx context.Context, provider string, raw []byte, signature string, verifier *Verifier) (*Result, error) {
	start := time.Now()
	evt := &model.WebhookEvent{
		EventID:  uuid.NewString(),
		Provider: provider,
		Payload:  string(raw),
	}

	if !verifier.Verify(raw, signature) {
		evt.ErrorMessage = ErrInvalidSignature.Error()
		p.record(ctx, evt)
		return nil, ErrInvalidSignature
	}
	evt.SignatureVerified = true

	var note Notification
	if err := json.Unmarshal(raw, &note); err != nil || note.Data.TxRef == "" {
		evt.ErrorMessage = ErrMalformedPayload.Error()
		p.record(ctx, evt)
		return nil, ErrMalformedPayload
	}
	evt.TxRef = note.Data.TxRef
	p.record(ctx, evt)

	evt.ProcessingAttempts++

	t, err := p.repo.GetTransactionByReference(ctx, note.Data.TxRef)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			p.fail(ctx, evt, start, ErrUnknownReference)
			p.log.Warnw("webhook for unknown reference",
				"provider", provider, "tx_ref", note.Data.TxRef, "event_id", evt.EventID)
			return nil, ErrUnknownReference
		}
		p.fail(ctx, evt, start, err)
		return nil, err
	}

	if t.Status.Terminal() {
		p.complete(ctx, evt, start)
		return &Result{Duplicate: true, Transaction: t}, nil
	}

	if !note.Data.Amount.IsZero() && !note.Data.Amount.Equal(t.Amount) {
		p.fail(ctx, evt, start, ErrAmountMismatch)
		p.log.Errorw("webhook amount mismatch",
			"tx_ref", note.Data.TxRef, "expected", t.Amount, "got", note.Data.Amount)
		return nil, ErrAmountMismatch
	}

	outcome, err := mapOutcome(note, evt.EventID)
	if err != nil {
		p.fail(ctx, evt, start, err)
		return nil, err
	}

	applied, err := p.ledger.Apply(ctx, note.Data.TxRef, outcome)
	if err != nil {
		// event stays unprocessed; provider redelivery is the recovery path
		p.fail(ctx, evt, start, err)
		return nil, err
	}

	p.complete(ctx, evt, start)
	return &Result{Transaction: applied}, nil
}

// mapOutcome translates a provider status word into a ledger outcome.
func mapOutcome(note Notification, eventID string) (ledger.Outcome, error) {
	meta := map[string]interface{}{
		"webhook_event_id": eventID,
		"provider_status":  note.Data.Status,
	}
	if note.Data.ProviderRef != "" {
		meta["provider_ref"] = note.Data.ProviderRef
	}
	switch strings.ToLower(note.Data.Status) {
	case "successful", "success", "completed", "delivered":
		return ledger.Outcome{Status: model.StatusCompleted, Metadata: meta}, nil
	case "failed", "error", "reversed":
		return ledger.Outcome{
			Status:       model.StatusFailed,
			ErrorMessage: "provider reported " + note.Data.Status,
			Metadata:     meta,
		}, nil
	case "cancelled", "canceled":
		return ledger.Outcome{
			Status:       model.StatusCancelled,
			ErrorMessage: "provider cancelled",
			Metadata:     meta,
		}, nil
	}
	return ledger.Outcome{}, ErrMalformedPayload
}

func (p *Pipeline) record(ctx context.Context, evt *model.WebhookEvent) {
	if err := p.repo.CreateWebhookEvent(ctx, evt); err != nil {
		p.log.Errorw("record webhook event", "event_id", evt.EventID, "err", err)
	}
}

func (p *Pipeline) complete(ctx context.Context, evt *model.WebhookEvent, start time.Time) {
	now := time.Now()
	evt.Processed = true
	evt.ProcessedAt = &now
	evt.LatencyMS = time.Since(start).Milliseconds()
	if err := p.repo.UpdateWebhookEvent(ctx, evt); err != nil {
		// the mutation already committed; dedup absorbs the redelivery
		p.log.Errorw("mark webhook processed", "event_id", evt.EventID, "err", err)
	}
}

func (p *Pipeline) fail(ctx context.Context, evt *model.WebhookEvent, start time.Time, cause error) {
	evt.ErrorMessage = cause.Error()
	evt.LatencyMS = time.Since(start).Milliseconds()
	if err := p.repo.UpdateWebhookEvent(ctx, evt); err != nil {
		p.log.Errorw("update webhook event", "event_id", evt.EventID, "err", err)
	}
}
