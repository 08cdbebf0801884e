package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/starktol/vtu-platform/internal/funding"
	"github.com/starktol/vtu-platform/internal/gateway"
	"github.com/starktol/vtu-platform/internal/ledger"
	"github.com/starktol/vtu-platform/internal/model"
	"github.com/starktol/vtu-platform/internal/recon"
	"github.com/starktol/vtu-platform/internal/repo"
	"github.com/starktol/vtu-platform/internal/vtu"
)

// Services bundles the components the router exposes.
type Services struct {
	Ledger          *ledger.Service
	Funding         *funding.Service
	VTU             *vtu.Service
	Pipeline        *recon.Pipeline
	PaymentVerifier *recon.Verifier
	VTUVerifier     *recon.Verifier
}

func RegisterHandlers(r *gin.Engine, s Services) {
	v1 := r.Group("/v1")
	{
		v1.POST("/webhooks/payment", webhookHandler(s.Pipeline, "payment", s.PaymentVerifier))
		v1.POST("/webhooks/vtu", webhookHandler(s.Pipeline, "vtu", s.VTUVerifier))

		v1.POST("/wallets/:id/fund", fundHandler(s.Funding))
		v1.POST("/wallets/:id/transfer", transferHandler(s.Ledger))
		v1.GET("/wallets/:id/balance", balanceHandler(s.Ledger))
		v1.GET("/wallets/:id/transactions", historyHandler(s.Ledger))
		v1.GET("/transactions/:reference", statusHandler(s.Ledger))

		v1.POST("/purchases/airtime", airtimeHandler(s.VTU))
		v1.POST("/purchases/data", dataHandler(s.VTU))
		v1.POST("/purchases/cable", cableHandler(s.VTU))
		v1.POST("/purchases/electricity", electricityHandler(s.VTU))
		v1.GET("/services/data-plans", dataPlansHandler(s.VTU))
	}
}

// pathUserID parses the :id path segment, answering 400 on non-numeric ids.
func pathUserID(c *gin.Context) (uint64, bool) {
	userID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet id"})
		return 0, false
	}
	return userID, true
}

type fundReq struct {
	Amount string `json:"amount" binding:"required"`
}

func fundHandler(svc *funding.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fundReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userID, ok := pathUserID(c)
		if !ok {
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		res, err := svc.InitiateDeposit(c.Request.Context(), userID, amt)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, res)
	}
}

type transferReq struct {
	ToID   string `json:"to_id" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func transferHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		fromID, ok := pathUserID(c)
		if !ok {
			return
		}
		toID, err := strconv.ParseUint(req.ToID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to_id"})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		txOut, txIn, err := svc.Transfer(c.Request.Context(), fromID, toID, amt)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"from_balance": txOut.BalanceAfter,
			"to_balance":   txIn.BalanceAfter,
			"reference":    txOut.PaymentReference,
		})
	}
}

func balanceHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := pathUserID(c)
		if !ok {
			return
		}
		bal, err := svc.GetBalance(c.Request.Context(), userID)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal})
	}
}

func historyHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := pathUserID(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		txs, err := svc.History(c.Request.Context(), userID, limit, since)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func statusHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.GetTransactionStatus(c.Request.Context(), c.Param("reference"))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"reference": t.PaymentReference,
			"type":      t.Type,
			"status":    t.Status,
			"amount":    t.Amount,
			"error":     t.ErrorMessage,
		})
	}
}

type airtimeReq struct {
	UserID  uint64 `json:"user_id" binding:"required"`
	Network string `json:"network" binding:"required"`
	Phone   string `json:"phone" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

func airtimeHandler(svc *vtu.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req airtimeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		t, err := svc.PurchaseAirtime(c.Request.Context(), vtu.AirtimeInput{
			UserID: req.UserID, Network: req.Network, Phone: req.Phone, Amount: amt,
		})
		writePurchase(c, t, err)
	}
}

type dataReq struct {
	UserID   uint64 `json:"user_id" binding:"required"`
	Network  string `json:"network" binding:"required"`
	Phone    string `json:"phone" binding:"required"`
	PlanCode string `json:"plan_code" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

func dataHandler(svc *vtu.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req dataReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		t, err := svc.PurchaseData(c.Request.Context(), vtu.DataInput{
			UserID: req.UserID, Network: req.Network, Phone: req.Phone,
			PlanCode: req.PlanCode, Amount: amt,
		})
		writePurchase(c, t, err)
	}
}

type cableReq struct {
	UserID    uint64 `json:"user_id" binding:"required"`
	Provider  string `json:"provider" binding:"required"`
	Smartcard string `json:"smartcard" binding:"required"`
	PlanCode  string `json:"plan_code" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

func cableHandler(svc *vtu.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cableReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		t, err := svc.PurchaseCable(c.Request.Context(), vtu.CableInput{
			UserID: req.UserID, Provider: req.Provider, Smartcard: req.Smartcard,
			PlanCode: req.PlanCode, Amount: amt,
		})
		writePurchase(c, t, err)
	}
}

type electricityReq struct {
	UserID    uint64 `json:"user_id" binding:"required"`
	Disco     string `json:"disco" binding:"required"`
	Meter     string `json:"meter" binding:"required"`
	MeterType string `json:"meter_type" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

func electricityHandler(svc *vtu.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req electricityReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		t, err := svc.PurchaseElectricity(c.Request.Context(), vtu.ElectricityInput{
			UserID: req.UserID, Disco: req.Disco, Meter: req.Meter,
			MeterType: req.MeterType, Amount: amt,
		})
		writePurchase(c, t, err)
	}
}

func dataPlansHandler(svc *vtu.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		network := c.Query("network")
		if network == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "network is required"})
			return
		}
		plans, err := svc.Catalog().DataPlans(c.Request.Context(), network)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", plans)
	}
}

// writePurchase reports the transaction's state even when fulfilment failed:
// the caller observes pending/failed instead of an opaque error, and the
// reported status always matches the balance effect.
func writePurchase(c *gin.Context, t *model.Transaction, err error) {
	if err != nil && t == nil {
		writeServiceError(c, err)
		return
	}
	body := gin.H{
		"reference": t.PaymentReference,
		"status":    t.Status,
		"amount":    t.Amount,
	}
	if t.ErrorMessage != "" {
		body["error"] = t.ErrorMessage
	}
	switch t.Status {
	case model.StatusCompleted:
		c.JSON(http.StatusOK, body)
	case model.StatusFailed, model.StatusCancelled:
		c.JSON(http.StatusBadGateway, body)
	default:
		c.JSON(http.StatusAccepted, body)
	}
}

func writeServiceError(c *gin.Context, err error) {
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, repo.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "INSUFFICIENT_BALANCE"})
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrUnknownReference), errors.Is(err, repo.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &gwErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": string(gwErr.Code)})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
