package funding

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/starktol/vtu-platform/internal/gateway"
	"github.com/starktol/vtu-platform/internal/ledger"
	"github.com/starktol/vtu-platform/internal/model"
)

// Service initiates wallet funding through the external payment gateway. The
// deposit stays pending until the gateway's webhook reconciles it; the ledger
// never credits on the synchronous response alone.
type Service struct {
	ledger *ledger.Service
	client *gateway.Client
	log    *zap.SugaredLogger
}

func NewService(l *ledger.Service, client *gateway.Client, logger *zap.SugaredLogger) *Service {
	return &Service{ledger: l, client: client, log: logger}
}

// InitiateResult carries what the caller needs to complete payment.
type InitiateResult struct {
	Reference   string `json:"reference"`
	PaymentLink string `json:"payment_link"`
	Status      string `json:"status"`
}

// InitiateDeposit creates the pending transaction first, so its reference
// exists before any external call, then asks the gateway for a checkout link.
func (s *Service) InitiateDeposit(ctx context.Context, userID uint64, amount decimal.Decimal) (*InitiateResult, error) {
	t, err := s.ledger.InitiateCredit(ctx, userID, amount, model.TxDeposit, map[string]interface{}{
		"channel": "payment_gateway",
	})
	if err != nil {
		return nil, err
	}

	res, err := s.client.Call(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/payments/initialize",
		Params: map[string]interface{}{
			"tx_ref":   t.PaymentReference,
			"amount":   amount.String(),
			"currency": "NGN",
			"meta":     map[string]interface{}{"user_id": t.UserID},
		},
		Encoding: gateway.EncodeJSON,
	})
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			if _, applyErr := s.ledger.Apply(ctx, t.PaymentReference, ledger.Outcome{
				Status:       model.StatusFailed,
				ErrorMessage: string(gwErr.Code),
			}); applyErr != nil {
				s.log.Errorw("resolve failed deposit", "reference", t.PaymentReference, "err", applyErr)
			}
		}
		return nil, err
	}

	return &InitiateResult{
		Reference:   t.PaymentReference,
		PaymentLink: res.Data.String("link"),
		Status:      string(model.StatusPending),
	}, nil
}
