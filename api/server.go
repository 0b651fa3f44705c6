// Package api exposes the wallet core over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/config"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/forex"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/ledger"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/orders"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/payments"
)

// Server is the HTTP API server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	logger      *zap.Logger
	validator   *validator.Validate
	rateLimiter gin.HandlerFunc

	ledger   ledger.LedgerService
	orders   orders.OrderService
	payments payments.PaymentService
	forex    forex.ConversionService
}

// NewServer wires the service layer into the router.
func NewServer(
	logger *zap.Logger,
	cfg config.ServerConfig,
	led ledger.LedgerService,
	orderSvc orders.OrderService,
	paymentSvc payments.PaymentService,
	forexSvc forex.ConversionService,
) *Server {
	server := &Server{
		logger:    logger,
		validator: validator.New(),
		ledger:    led,
		orders:    orderSvc,
		payments:  paymentSvc,
		forex:     forexSvc,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	rateFormat := cfg.RateLimit
	if rateFormat == "" {
		rateFormat = "100-M"
	}
	rate, err := limiter.NewRateFromFormatted(rateFormat)
	if err != nil {
		logger.Warn("invalid rate limit format, using default", zap.String("format", rateFormat))
		rate, _ = limiter.NewRateFromFormatted("100-M")
	}
	server.rateLimiter = ginlimiter.NewMiddleware(limiter.New(memory.NewStore(), rate))

	server.router = router
	server.registerRoutes()
	return server
}

// Router returns the gin engine, used by tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string, readTimeout, writeTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	s.logger.Info("starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	public := s.router.Group("/api/v1")
	{
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
		public.GET("/health", s.healthCheck)

		// Gateway confirmations carry their own correlation id, no user
		// identity.
		public.POST("/payments/callback", s.paymentCallback)
	}

	protected := s.router.Group("/api/v1")
	protected.Use(s.userIDMiddleware(), s.rateLimiter)
	{
		ordersGroup := protected.Group("/orders")
		{
			ordersGroup.POST("", s.placeOrder)
			ordersGroup.GET("", s.listOrders)
			ordersGroup.GET("/:id", s.getOrder)
			ordersGroup.DELETE("/:id", s.cancelOrder)
		}

		wallet := protected.Group("/wallet")
		{
			wallet.GET("", s.getWallet)
			wallet.GET("/transactions", s.listTransactions)
			wallet.PUT("/auto-convert", s.setAutoConvert)
		}

		protected.POST("/deposits", s.initiateDeposit)
		protected.POST("/withdrawals", s.initiateWithdrawal)
		protected.POST("/convert", s.convertCurrency)
		protected.GET("/rates", s.getRate)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
