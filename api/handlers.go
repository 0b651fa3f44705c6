package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/errors"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/models"
)

const userIDKey = "userID"

// userIDMiddleware resolves the caller from the X-User-ID header. Token
// verification happens at the edge; by the time a request reaches this
// service the header is trusted.
func (s *Server) userIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-User-ID")
		if raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header required"})
			c.Abort()
			return
		}
		userID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid X-User-ID"})
			c.Abort()
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func (s *Server) userID(c *gin.Context) uuid.UUID {
	return c.MustGet(userIDKey).(uuid.UUID)
}

// writeError maps core errors onto HTTP statuses. Insufficient funds
// responses include the shortfall.
func (s *Server) writeError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("handler error", zap.String("path", c.FullPath()), zap.Error(err))
	}

	var insufficient *apperrors.InsufficientFundsError
	if apperrors.As(err, &insufficient) {
		c.JSON(status, gin.H{
			"error":     err.Error(),
			"currency":  insufficient.Currency,
			"shortfall": insufficient.Shortfall(),
		})
		return
	}
	var validation *apperrors.ValidationError
	if apperrors.As(err, &validation) {
		c.JSON(status, gin.H{"error": err.Error(), "field": validation.Field})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	if err := s.validator.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

// balances attaches the wallet snapshot money responses carry.
func (s *Server) balances(c *gin.Context, userID uuid.UUID) []models.BalanceSnapshot {
	w, err := s.ledger.GetWallet(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("failed to load wallet for response", zap.Error(err))
		return nil
	}
	return w.Snapshot()
}

// --- ORDERS ---

func (s *Server) placeOrder(c *gin.Context) {
	var req models.OrderRequest
	if !s.bindAndValidate(c, &req) {
		return
	}
	userID := s.userID(c)
	order, err := s.orders.CreateOrder(c.Request.Context(), userID, &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"order":    order,
		"balances": s.balances(c, userID),
	})
}

func (s *Server) getOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, err := s.orders.GetOrder(c.Request.Context(), s.userID(c), orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (s *Server) listOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	ordersList, total, err := s.orders.ListOrders(c.Request.Context(), s.userID(c), c.Query("status"), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": ordersList, "total": total})
}

func (s *Server) cancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	userID := s.userID(c)
	order, err := s.orders.CancelOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":    order,
		"balances": s.balances(c, userID),
	})
}

// --- PAYMENTS ---

func (s *Server) initiateDeposit(c *gin.Context) {
	var req models.DepositRequest
	if !s.bindAndValidate(c, &req) {
		return
	}
	userID := s.userID(c)
	entry, err := s.payments.InitiateDeposit(c.Request.Context(), userID, &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"reference": entry.Reference,
		"status":    entry.Status,
		"balances":  s.balances(c, userID),
	})
}

func (s *Server) initiateWithdrawal(c *gin.Context) {
	var req models.WithdrawalRequest
	if !s.bindAndValidate(c, &req) {
		return
	}
	userID := s.userID(c)
	entry, err := s.payments.InitiateWithdrawal(c.Request.Context(), userID, &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"reference": entry.Reference,
		"status":    entry.Status,
		"fee":       entry.Fee,
		"balances":  s.balances(c, userID),
	})
}

func (s *Server) paymentCallback(c *gin.Context) {
	var cb models.PaymentCallback
	if !s.bindAndValidate(c, &cb) {
		return
	}
	entry, err := s.payments.HandleCallback(c.Request.Context(), &cb)
	if err != nil {
		s.writeError(c, err)
		return
	}
	// The gateway only needs an acknowledgement; replays land here too.
	c.JSON(http.StatusOK, gin.H{
		"reference": entry.Reference,
		"status":    entry.Status,
	})
}

// --- FOREX ---

func (s *Server) convertCurrency(c *gin.Context) {
	var req models.ConvertRequest
	if !s.bindAndValidate(c, &req) {
		return
	}
	userID := s.userID(c)
	quote, out, in, err := s.forex.Convert(c.Request.Context(), userID, req.Amount, req.From, req.To)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"quote":     quote,
		"reference": out.Reference,
		"debit":     out,
		"credit":    in,
		"balances":  s.balances(c, userID),
	})
}

func (s *Server) getRate(c *gin.Context) {
	from := c.DefaultQuery("from", models.CurrencyKES)
	to := c.DefaultQuery("to", models.CurrencyUSD)
	rate, source, err := s.forex.Rate(c.Request.Context(), from, to)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"from":   from,
		"to":     to,
		"rate":   rate,
		"source": source,
	})
}

// --- WALLET ---

func (s *Server) getWallet(c *gin.Context) {
	userID := s.userID(c)
	w, err := s.ledger.GetWallet(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"auto_convert": w.AutoConvert,
		"balances":     w.Snapshot(),
	})
}

func (s *Server) listTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	entries, total, err := s.ledger.ListEntries(c.Request.Context(), s.userID(c), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries, "total": total})
}

func (s *Server) setAutoConvert(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	userID := s.userID(c)
	if err := s.ledger.SetAutoConvert(c.Request.Context(), userID, req.Enabled); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auto_convert": req.Enabled})
}
