package vtu

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/starktol/vtu-platform/internal/gateway"
	"github.com/starktol/vtu-platform/internal/ledger"
	"github.com/starktol/vtu-platform/internal/model"
)

// Service fulfils airtime, data, cable and electricity purchases: reserve the
// amount on the wallet, call the VTU provider, resolve the transaction through
// the ledger. Provider-pending purchases stay pending until the provider's
// callback reconciles them under the same payment reference.
type Service struct {
	ledger         *ledger.Service
	client         *gateway.Client
	catalog        *Catalog
	commissionRate decimal.Decimal
	log            *zap.SugaredLogger
}

func NewService(l *ledger.Service, client *gateway.Client, catalog *Catalog, commissionRate decimal.Decimal, logger *zap.SugaredLogger) *Service {
	return &Service{ledger: l, client: client, catalog: catalog, commissionRate: commissionRate, log: logger}
}

// AirtimeInput describes an airtime top-up request.
type AirtimeInput struct {
	UserID  uint64
	Network string
	Phone   string
	Amount  decimal.Decimal
}

// DataInput describes a data bundle purchase.
type DataInput struct {
	UserID   uint64
	Network  string
	Phone    string
	PlanCode string
	Amount   decimal.Decimal
}

// CableInput describes a pay-TV subscription payment.
type CableInput struct {
	UserID    uint64
	Provider  string
	Smartcard string
	PlanCode  string
	Amount    decimal.Decimal
}

// ElectricityInput describes a prepaid/postpaid meter payment.
type ElectricityInput struct {
	UserID    uint64
	Disco     string
	Meter     string
	MeterType string
	Amount    decimal.Decimal
}

// PurchaseAirtime reserves the amount and buys airtime from the provider.
func (s *Service) PurchaseAirtime(ctx context.Context, in AirtimeInput) (*model.Transaction, error) {
	t, err := s.ledger.Reserve(ctx, in.UserID, in.Amount, model.TxAirtime, map[string]interface{}{
		"network": in.Network, "phone": in.Phone,
	})
	if err != nil {
		return nil, err
	}
	return s.fulfil(ctx, t, "/airtime", map[string]interface{}{
		"request_id": t.PaymentReference,
		"network":    in.Network,
		"phone":      in.Phone,
		"amount":     in.Amount.String(),
	})
}

// PurchaseData reserves the amount and buys a data bundle.
func (s *Service) PurchaseData(ctx context.Context, in DataInput) (*model.Transaction, error) {
	t, err := s.ledger.Reserve(ctx, in.UserID, in.Amount, model.TxData, map[string]interface{}{
		"network": in.Network, "phone": in.Phone, "plan": in.PlanCode,
	})
	if err != nil {
		return nil, err
	}
	return s.fulfil(ctx, t, "/data", map[string]interface{}{
		"request_id": t.PaymentReference,
		"network":    in.Network,
		"phone":      in.Phone,
		"plan":       in.PlanCode,
		"amount":     in.Amount.String(),
	})
}

// PurchaseCable reserves the amount and pays a TV subscription.
func (s *Service) PurchaseCable(ctx context.Context, in CableInput) (*model.Transaction, error) {
	t, err := s.ledger.Reserve(ctx, in.UserID, in.Amount, model.TxCable, map[string]interface{}{
		"provider": in.Provider, "smartcard": in.Smartcard, "plan": in.PlanCode,
	})
	if err != nil {
		return nil, err
	}
	return s.fulfil(ctx, t, "/cable", map[string]interface{}{
		"request_id": t.PaymentReference,
		"provider":   in.Provider,
		"smartcard":  in.Smartcard,
		"plan":       in.PlanCode,
		"amount":     in.Amount.String(),
	})
}

// PurchaseElectricity reserves the amount and vends a meter token.
func (s *Service) PurchaseElectricity(ctx context.Context, in ElectricityInput) (*model.Transaction, error) {
	t, err := s.ledger.Reserve(ctx, in.UserID, in.Amount, model.TxElectricity, map[string]interface{}{
		"disco": in.Disco, "meter": in.Meter, "meter_type": in.MeterType,
	})
	if err != nil {
		return nil, err
	}
	return s.fulfil(ctx, t, "/electricity", map[string]interface{}{
		"request_id": t.PaymentReference,
		"disco":      in.Disco,
		"meter":      in.Meter,
		"meter_type": in.MeterType,
		"amount":     in.Amount.String(),
	})
}

// Catalog exposes the reference-data cache for read endpoints.
func (s *Service) Catalog() *Catalog { return s.catalog }

// fulfil drives one reserved transaction through the provider call and its
// ledger resolution. The transaction's reference doubles as the provider
// request id, so an asynchronous callback reconciles the same row.
func (s *Service) fulfil(ctx context.Context, t *model.Transaction, path string, params map[string]interface{}) (*model.Transaction, error) {
	res, err := s.client.Call(ctx, gateway.Request{
		Method:   http.MethodPost,
		Path:     path,
		Params:   params,
		Encoding: gateway.EncodeJSON,
	})
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			failed, applyErr := s.ledger.Apply(ctx, t.PaymentReference, ledger.Outcome{
				Status:       model.StatusFailed,
				ErrorMessage: string(gwErr.Code),
				Metadata: map[string]interface{}{
					"attempts":    gwErr.Attempts,
					"elapsed_ms":  gwErr.Elapsed.Milliseconds(),
					"status_code": gwErr.StatusCode,
				},
			})
			if applyErr != nil {
				s.log.Errorw("resolve failed purchase", "reference", t.PaymentReference, "err", applyErr)
				return t, err
			}
			return failed, err
		}
		return t, err
	}

	switch providerStatus(res.Data) {
	case "success":
		completed, err := s.ledger.Apply(ctx, t.PaymentReference, ledger.Outcome{
			Status:   model.StatusCompleted,
			Metadata: providerMetadata(res),
		})
		if err != nil {
			return t, err
		}
		s.applyCommission(ctx, completed)
		return completed, nil
	case "failed":
		return s.ledger.Apply(ctx, t.PaymentReference, ledger.Outcome{
			Status:       model.StatusFailed,
			ErrorMessage: "provider reported failure",
			Metadata:     providerMetadata(res),
		})
	}

	// provider still processing; the callback path resolves this reference
	return t, nil
}

// applyCommission credits the reseller's cut for a completed purchase.
// Best-effort: a commission failure never unwinds the purchase.
func (s *Service) applyCommission(ctx context.Context, purchase *model.Transaction) {
	if s.commissionRate.LessThanOrEqual(decimal.Zero) {
		return
	}
	commission := purchase.Amount.Mul(s.commissionRate).Round(2)
	if commission.LessThanOrEqual(decimal.Zero) {
		return
	}
	_, err := s.ledger.CreditNow(ctx, purchase.UserID, commission, model.TxCommission,
		purchase.PaymentReference, map[string]interface{}{
			"purchase_reference": purchase.PaymentReference,
			"purchase_type":      purchase.Type,
		})
	if err != nil {
		s.log.Errorw("apply commission",
			"reference", purchase.PaymentReference, "amount", commission, "err", err)
	}
}

// providerStatus extracts the success/failure signal from any of the three
// normalized response shapes. An empty result means still pending.
func providerStatus(n gateway.Normalized) string {
	var raw string
	switch n.Kind {
	case gateway.KindStructured:
		raw = n.String("status")
		if raw == "" {
			raw = n.String("Status")
		}
	case gateway.KindDelimited:
		if len(n.Records) > 0 {
			raw = n.Records[0]["status"]
		}
	case gateway.KindPlainText:
		return n.TextHint
	}
	switch strings.ToLower(raw) {
	case "successful", "success", "delivered", "completed":
		return "success"
	case "failed", "failure", "error":
		return "failed"
	}
	return ""
}

func providerMetadata(res *gateway.Result) map[string]interface{} {
	meta := map[string]interface{}{
		"attempts":   res.Attempts,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	}
	switch res.Data.Kind {
	case gateway.KindStructured:
		meta["provider_response"] = res.Data.Structured
	case gateway.KindDelimited:
		meta["provider_response"] = res.Data.Records
	case gateway.KindPlainText:
		meta["provider_response"] = res.Data.Text
	}
	return meta
}
