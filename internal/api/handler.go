package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"event-payments/internal/apperr"
	"event-payments/internal/models"
	"event-payments/internal/service"
	"event-payments/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentService is the payment lifecycle as seen by the HTTP layer
type PaymentService interface {
	Initiate(ctx context.Context, userID string, req *service.InitiatePaymentRequest) (*service.InitiatePaymentResponse, error)
	Verify(ctx context.Context, userID string, req *service.VerifyPaymentRequest) (*service.VerifyPaymentResponse, error)
	GetPayment(ctx context.Context, userID, paymentID string) (*models.Payment, error)
	ListPayments(ctx context.Context, userID string) ([]models.Payment, error)
}

// DiscountService covers discount preview and administration
type DiscountService interface {
	Validate(ctx context.Context, code, eventID string, amount decimal.Decimal, userID string) (*service.DiscountQuote, error)
	CreateCode(ctx context.Context, dc *models.DiscountCode) error
	UpdateCode(ctx context.Context, dc *models.DiscountCode) error
	GetCode(ctx context.Context, code string) (*models.DiscountCode, error)
	ListCodes(ctx context.Context) ([]models.DiscountCode, error)
	DeleteCode(ctx context.Context, code string) error
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	payments  PaymentService
	discounts DiscountService
	limiter   *RateLimiter
	checks    map[string]Pinger
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler. limiter may be nil to disable rate limiting.
func NewHandler(payments PaymentService, discounts DiscountService, limiter *RateLimiter, checks map[string]Pinger) *Handler {
	return &Handler{
		payments:  payments,
		discounts: discounts,
		limiter:   limiter,
		checks:    checks,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", requireUser())
	{
		limited := v1.Group("", h.limiter.Middleware())
		limited.POST("/payments/initiate", h.initiatePayment)
		limited.POST("/payments/verify", h.verifyPayment)
		limited.POST("/discount-codes/validate", h.validateDiscount)

		v1.GET("/payments", h.listPayments)
		v1.GET("/payments/:id", h.getPayment)

		admin := v1.Group("/admin", requireAdmin())
		admin.POST("/discount-codes", h.createDiscountCode)
		admin.GET("/discount-codes", h.listDiscountCodes)
		admin.GET("/discount-codes/:code", h.getDiscountCode)
		admin.PUT("/discount-codes/:code", h.updateDiscountCode)
		admin.DELETE("/discount-codes/:code", h.deleteDiscountCode)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// initiatePayment opens or resumes a payment for the caller
func (h *Handler) initiatePayment(c *gin.Context) {
	var req service.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.payments.Initiate(c.Request.Context(), userID(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// verifyPayment settles a payment after the gateway callback
func (h *Handler) verifyPayment(c *gin.Context) {
	var req service.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.payments.Verify(c.Request.Context(), userID(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// getPayment returns one of the caller's payments
func (h *Handler) getPayment(c *gin.Context) {
	payment, err := h.payments.GetPayment(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

func (h *Handler) listPayments(c *gin.Context) {
	payments, err := h.payments.ListPayments(c.Request.Context(), userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if payments == nil {
		payments = []models.Payment{}
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

// respondError renders classified errors with their code and hides the rest
func (h *Handler) respondError(c *gin.Context, err error) {
	if appErr, ok := apperr.From(err); ok {
		if appErr.Kind == apperr.KindInternal || appErr.Kind == apperr.KindGateway {
			h.logger.Error("Request failed",
				zap.String("path", c.FullPath()),
				zap.String("code", appErr.Code),
				zap.Error(err))
		}
		c.JSON(appErr.HTTPStatus(), gin.H{
			"error":   appErr.Code,
			"message": appErr.Message,
		})
		return
	}

	h.logger.Error("Unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   apperr.CodeInternal,
		"message": "internal server error",
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   apperr.CodeInvalidRequest,
		"message": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
