package service

import (
	"context"
	"fmt"
	"time"

	"event-payments/internal/apperr"
	"event-payments/internal/gateway"
	"event-payments/internal/models"
	"event-payments/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const lockReleaseTimeout = 2 * time.Second

// PaymentConfig holds the business settings of the payment flow
type PaymentConfig struct {
	DefaultPrice   decimal.Decimal
	Currency       string
	CallbackURL    string
	GatewayTimeout time.Duration
	VerifyLockTTL  time.Duration
}

// PaymentDeps are the collaborators of the orchestrator. Publisher may be nil.
type PaymentDeps struct {
	Payments  PaymentStore
	Discounts *DiscountEngine
	Gateways  *gateway.Registry
	Events    EventDirectory
	Attendees AttendeeRegistry
	Users     UserDirectory
	Locker    Locker
	Publisher EventPublisher
}

// PaymentOrchestrator owns the payment lifecycle from initiation to settlement
type PaymentOrchestrator struct {
	PaymentDeps
	cfg    PaymentConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewPaymentOrchestrator creates a new payment orchestrator
func NewPaymentOrchestrator(deps PaymentDeps, cfg PaymentConfig) *PaymentOrchestrator {
	if cfg.VerifyLockTTL <= 0 {
		cfg.VerifyLockTTL = 2 * cfg.GatewayTimeout
	}
	return &PaymentOrchestrator{
		PaymentDeps: deps,
		cfg:         cfg,
		now:         time.Now,
		logger:      util.GetLogger(),
	}
}

// InitiatePaymentRequest represents a request to start paying for an event
type InitiatePaymentRequest struct {
	EventID      string `json:"event_id" binding:"required"`
	DiscountCode string `json:"discount_code,omitempty"`
}

// InitiatePaymentResponse describes where the client continues the payment
type InitiatePaymentResponse struct {
	PaymentID        string            `json:"payment_id"`
	Status           string            `json:"status"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Gateway          string            `json:"gateway"`
	RedirectURL      string            `json:"redirect_url,omitempty"`
	RedirectMethod   string            `json:"redirect_method,omitempty"`
	SubmissionFields map[string]string `json:"submission_fields,omitempty"`
	DiscountCode     string            `json:"discount_code,omitempty"`
}

// VerifyPaymentRequest carries what the client brought back from the gateway
type VerifyPaymentRequest struct {
	PaymentID string            `json:"payment_id" binding:"required"`
	Proof     map[string]string `json:"proof"`
}

// VerifyPaymentResponse is the settlement outcome. A declined payment is
// reported with Success=false rather than as an error.
type VerifyPaymentResponse struct {
	PaymentID   string            `json:"payment_id"`
	Success     bool              `json:"success"`
	Status      string            `json:"status"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	PaidAt      *time.Time        `json:"paid_at,omitempty"`
	Message     string            `json:"message,omitempty"`
	UserFlags   *models.UserFlags `json:"user_flags,omitempty"`
}

// Initiate opens a payment for userID on the requested event, or returns the
// payment that is already open for the pair.
func (o *PaymentOrchestrator) Initiate(ctx context.Context, userID string, req *InitiatePaymentRequest) (*InitiatePaymentResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.Initiate")
	defer span.End()

	event, err := o.Events.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	amount := o.cfg.DefaultPrice
	if event.Price != nil {
		amount = *event.Price
	}

	staleAfter := 2 * o.cfg.GatewayTimeout

	// an open or settled payment answers the retry before the code is judged again
	blocking, err := o.Payments.GetBlockingPayment(ctx, userID, event.ID, staleAfter)
	if err != nil {
		return nil, err
	}
	if blocking != nil {
		return o.existingPayment(blocking)
	}

	var discountCode *string
	if req.DiscountCode != "" {
		quote, err := o.Discounts.Validate(ctx, req.DiscountCode, event.ID, amount, userID)
		if err != nil {
			return nil, err
		}
		discountCode = &quote.Code
	}

	attendee, err := o.Attendees.EnsureRegistered(ctx, userID, event.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to register attendee: %w", err)
	}

	adapter, err := o.Gateways.Primary()
	if err != nil {
		return nil, apperr.Internal(apperr.CodeGatewayUnavailable, "no payment gateway available", err)
	}

	candidate := &models.Payment{
		ID:           uuid.New().String(),
		UserID:       userID,
		EventID:      event.ID,
		AttendeeID:   attendee.ID,
		Amount:       amount,
		Currency:     o.cfg.Currency,
		Status:       models.PaymentStatusPending,
		Gateway:      adapter.Name(),
		DiscountCode: discountCode,
		Metadata:     models.Metadata{},
	}

	payment, created, err := o.Payments.ReservePayment(ctx, candidate, staleAfter)
	if err != nil {
		return nil, err
	}

	if !created {
		return o.existingPayment(payment)
	}

	o.logger.Info("Payment created",
		zap.String("payment_id", payment.ID),
		zap.String("user_id", userID),
		zap.String("event_id", event.ID),
		zap.String("gateway", adapter.Name()))

	return o.openAtGateway(ctx, adapter, event, payment)
}

// existingPayment answers an initiate that found a blocking payment
func (o *PaymentOrchestrator) existingPayment(payment *models.Payment) (*InitiatePaymentResponse, error) {
	if payment.Status == models.PaymentStatusCompleted {
		util.PaymentsInitiatedTotal.WithLabelValues(payment.Gateway, "already_completed").Inc()
		return nil, apperr.Conflict(apperr.CodePaymentAlreadyCompleted, "payment for this event is already completed")
	}

	resp := describePayment(payment)
	if authority := payment.Authority(); authority != "" {
		adapter, err := o.Gateways.Get(payment.Gateway)
		if err != nil {
			return nil, apperr.Internal(apperr.CodeGatewayUnavailable, "payment gateway no longer available", err)
		}
		setRedirect(resp, adapter.Redirect(authority))
	}

	util.PaymentsInitiatedTotal.WithLabelValues(payment.Gateway, "reused").Inc()
	o.logger.Info("Reusing pending payment", zap.String("payment_id", payment.ID))
	return resp, nil
}

// openAtGateway asks the adapter for a transaction handle for a new payment
func (o *PaymentOrchestrator) openAtGateway(ctx context.Context, adapter gateway.Adapter, event *models.Event, payment *models.Payment) (*InitiatePaymentResponse, error) {
	result, err := adapter.Initiate(ctx, gateway.InitiateRequest{
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Description: fmt.Sprintf("Participation in %s", event.Title),
		CallbackURL: o.cfg.CallbackURL,
		OrderRef:    payment.ID,
		Metadata: map[string]string{
			"payment_id": payment.ID,
			"user_id":    payment.UserID,
			"event_id":   payment.EventID,
		},
	})
	if err != nil || !result.Success {
		meta := models.Metadata{"failure_reason": "gateway_initiate_failed", "stage": "initiate"}
		msg := "payment gateway rejected the initiation"
		if err != nil {
			meta["error"] = err.Error()
		} else {
			meta["gateway_message"] = result.Message
			meta["gateway_raw"] = result.Raw
			if result.Message != "" {
				msg = result.Message
			}
		}
		o.fail(ctx, payment, meta)
		util.PaymentsInitiatedTotal.WithLabelValues(adapter.Name(), "failed").Inc()
		o.logger.Error("Gateway initiation failed",
			zap.String("payment_id", payment.ID),
			zap.String("gateway", adapter.Name()),
			zap.String("message", msg),
			zap.Error(err))
		return nil, apperr.Internal(apperr.CodeGatewayInitiateFailed, msg, err)
	}

	if err := o.Payments.MarkPaymentInitiated(ctx, payment.ID, result.TransactionHandle,
		result.Redirect.URL, models.StringMap(result.Redirect.Fields)); err != nil {
		return nil, fmt.Errorf("failed to store gateway handle: %w", err)
	}

	util.PaymentsInitiatedTotal.WithLabelValues(adapter.Name(), "ok").Inc()
	o.logger.Info("Payment initiated at gateway",
		zap.String("payment_id", payment.ID),
		zap.String("authority", result.TransactionHandle))

	resp := describePayment(payment)
	setRedirect(resp, result.Redirect)
	return resp, nil
}

// Verify settles a payment using the proof the client brought back from the gateway
func (o *PaymentOrchestrator) Verify(ctx context.Context, userID string, req *VerifyPaymentRequest) (*VerifyPaymentResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.Verify")
	defer span.End()

	payment, err := o.ownedPayment(ctx, userID, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.IsTerminal() {
		return o.storedResult(ctx, payment), nil
	}

	lockKey := "verify:" + payment.ID
	token := uuid.New().String()
	acquired, err := o.Locker.AcquireLock(ctx, lockKey, token, o.cfg.VerifyLockTTL)
	if err != nil {
		return nil, apperr.Internal(apperr.CodeInternal, "failed to acquire verification lock", err)
	}
	if !acquired {
		return nil, apperr.Conflict(apperr.CodeVerificationInProgress, "payment verification already in progress")
	}
	defer func() {
		// the caller may be gone by now; the lock must not outlive the verification
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
		defer cancel()
		if err := o.Locker.ReleaseLock(releaseCtx, lockKey, token); err != nil {
			o.logger.Warn("Failed to release verification lock", zap.String("payment_id", payment.ID), zap.Error(err))
		}
	}()

	// another verifier may have settled it before we got the lock
	payment, err = o.Payments.GetPaymentByID(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	if payment.IsTerminal() {
		return o.storedResult(ctx, payment), nil
	}

	adapter, err := o.Gateways.Get(payment.Gateway)
	if err != nil {
		return nil, apperr.Internal(apperr.CodeGatewayUnavailable, "payment gateway no longer available", err)
	}

	result, err := adapter.Verify(ctx, gateway.VerifyRequest{
		TransactionHandle: payment.Authority(),
		Amount:            payment.Amount,
		Proof:             req.Proof,
	})
	if err != nil {
		o.logger.Error("Gateway verification error",
			zap.String("payment_id", payment.ID),
			zap.String("gateway", adapter.Name()),
			zap.Error(err))
		settled, failErr := o.fail(ctx, payment, models.Metadata{
			"failure_reason": "gateway_verify_error",
			"stage":          "verify",
			"error":          err.Error(),
		})
		if failErr == nil && !settled {
			return o.reload(ctx, payment.ID)
		}
		return nil, apperr.Gateway(apperr.CodeGatewayVerifyError, "payment verification failed", err)
	}

	if !result.Success || result.ReferenceID == "" {
		settled, err := o.fail(ctx, payment, models.Metadata{
			"failure_reason":  "gateway_declined",
			"stage":           "verify",
			"gateway_status":  result.Status,
			"gateway_message": result.Message,
			"gateway_raw":     result.Raw,
		})
		if err != nil {
			return nil, err
		}
		if !settled {
			return o.reload(ctx, payment.ID)
		}
		return &VerifyPaymentResponse{
			PaymentID: payment.ID,
			Success:   false,
			Status:    models.PaymentStatusFailed,
			Amount:    payment.Amount,
			Currency:  payment.Currency,
			Message:   declineMessage(result.Message),
		}, nil
	}

	return o.complete(ctx, payment, result)
}

// complete moves a verified payment to COMPLETED and runs the post-settlement steps
func (o *PaymentOrchestrator) complete(ctx context.Context, payment *models.Payment, result *gateway.VerifyResult) (*VerifyPaymentResponse, error) {
	paidAt := o.now().UTC()
	settled, err := o.Payments.CompletePayment(ctx, payment.ID, result.ReferenceID, result.TransactionID, paidAt,
		models.Metadata{"gateway_status": result.Status})
	if err != nil {
		return nil, fmt.Errorf("failed to complete payment: %w", err)
	}
	if !settled {
		return o.reload(ctx, payment.ID)
	}

	payment.Status = models.PaymentStatusCompleted
	payment.RefID = &result.ReferenceID
	payment.PaidAt = &paidAt

	util.PaymentsCompletedTotal.WithLabelValues(payment.Gateway).Inc()
	o.logger.Info("Payment completed",
		zap.String("payment_id", payment.ID),
		zap.String("ref_id", result.ReferenceID))

	discountAmount := decimal.Zero
	if payment.DiscountCode != nil {
		usage, err := o.Discounts.Apply(ctx, *payment.DiscountCode, payment.UserID, payment.ID, payment.EventID, payment.Amount)
		if err != nil {
			o.logger.Error("Discount could not be applied to completed payment",
				zap.String("payment_id", payment.ID),
				zap.String("code", *payment.DiscountCode),
				zap.Error(err))
			if metaErr := o.Payments.AppendPaymentMetadata(ctx, payment.ID, models.Metadata{"discount_error": err.Error()}); metaErr != nil {
				o.logger.Error("Failed to record discount error", zap.String("payment_id", payment.ID), zap.Error(metaErr))
			}
		} else {
			discountAmount = usage.DiscountAmount
		}
	}

	o.publishCompleted(ctx, payment, discountAmount)

	resp := verifiedResponse(payment)
	resp.UserFlags = o.userFlags(ctx, payment.UserID)
	return resp, nil
}

// GetPayment returns a payment to its owner
func (o *PaymentOrchestrator) GetPayment(ctx context.Context, userID, paymentID string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.GetPayment")
	defer span.End()

	return o.ownedPayment(ctx, userID, paymentID)
}

// ListPayments returns the caller's payments, newest first
func (o *PaymentOrchestrator) ListPayments(ctx context.Context, userID string) ([]models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.ListPayments")
	defer span.End()

	payments, err := o.Payments.GetPaymentsByUserID(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(apperr.CodeInternal, "failed to list payments", err)
	}
	return payments, nil
}

func (o *PaymentOrchestrator) ownedPayment(ctx context.Context, userID, paymentID string) (*models.Payment, error) {
	payment, err := o.Payments.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, apperr.Validation(apperr.CodePaymentAccessDenied, "payment belongs to another user")
	}
	return payment, nil
}

// fail moves payment to FAILED. It reports false when the payment had already left PENDING.
func (o *PaymentOrchestrator) fail(ctx context.Context, payment *models.Payment, meta models.Metadata) (bool, error) {
	meta["gateway"] = payment.Gateway
	settled, err := o.Payments.FailPayment(ctx, payment.ID, meta)
	if err != nil {
		o.logger.Error("Failed to mark payment as failed", zap.String("payment_id", payment.ID), zap.Error(err))
		return false, fmt.Errorf("failed to mark payment as failed: %w", err)
	}
	if !settled {
		return false, nil
	}

	reason, _ := meta["failure_reason"].(string)
	util.PaymentsFailedTotal.WithLabelValues(payment.Gateway, reason).Inc()
	o.publishFailed(ctx, payment, reason)
	return true, nil
}

// reload reports the terminal state another writer stored first
func (o *PaymentOrchestrator) reload(ctx context.Context, paymentID string) (*VerifyPaymentResponse, error) {
	payment, err := o.Payments.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return o.storedResult(ctx, payment), nil
}

// storedResult rebuilds the verify answer of a settled payment without calling the gateway
func (o *PaymentOrchestrator) storedResult(ctx context.Context, payment *models.Payment) *VerifyPaymentResponse {
	if payment.Status == models.PaymentStatusCompleted {
		resp := verifiedResponse(payment)
		resp.UserFlags = o.userFlags(ctx, payment.UserID)
		return resp
	}

	resp := &VerifyPaymentResponse{
		PaymentID: payment.ID,
		Success:   false,
		Status:    payment.Status,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
	}
	if payment.Status == models.PaymentStatusFailed {
		msg, _ := payment.Metadata["gateway_message"].(string)
		resp.Message = declineMessage(msg)
	}
	return resp
}

// userFlags is best effort; a lookup failure only drops the flags from the response
func (o *PaymentOrchestrator) userFlags(ctx context.Context, userID string) *models.UserFlags {
	flags, err := o.Users.GetUserFlags(ctx, userID)
	if err != nil {
		o.logger.Warn("Failed to load user flags", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	return flags
}

func (o *PaymentOrchestrator) publishCompleted(ctx context.Context, payment *models.Payment, discountAmount decimal.Decimal) {
	if o.Publisher == nil {
		return
	}
	event := &models.PaymentCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentCompleted,
			Timestamp: o.now(),
		},
		PaymentID:      payment.ID,
		UserID:         payment.UserID,
		EventRef:       payment.EventID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		DiscountAmount: discountAmount,
	}
	if payment.RefID != nil {
		event.RefID = *payment.RefID
	}
	if payment.DiscountCode != nil {
		event.DiscountCode = *payment.DiscountCode
	}
	if err := o.Publisher.PublishPaymentCompleted(ctx, event); err != nil {
		o.logger.Error("Failed to publish PaymentCompleted event", zap.String("payment_id", payment.ID), zap.Error(err))
	}
}

func (o *PaymentOrchestrator) publishFailed(ctx context.Context, payment *models.Payment, reason string) {
	if o.Publisher == nil {
		return
	}
	event := &models.PaymentFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentFailed,
			Timestamp: o.now(),
		},
		PaymentID: payment.ID,
		UserID:    payment.UserID,
		EventRef:  payment.EventID,
		Reason:    reason,
	}
	if err := o.Publisher.PublishPaymentFailed(ctx, event); err != nil {
		o.logger.Error("Failed to publish PaymentFailed event", zap.String("payment_id", payment.ID), zap.Error(err))
	}
}

func describePayment(p *models.Payment) *InitiatePaymentResponse {
	resp := &InitiatePaymentResponse{
		PaymentID: p.ID,
		Status:    p.Status,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Gateway:   p.Gateway,
	}
	if p.DiscountCode != nil {
		resp.DiscountCode = *p.DiscountCode
	}
	return resp
}

func setRedirect(resp *InitiatePaymentResponse, r gateway.Redirect) {
	resp.RedirectURL = r.URL
	resp.RedirectMethod = r.Method
	resp.SubmissionFields = r.Fields
}

func verifiedResponse(p *models.Payment) *VerifyPaymentResponse {
	resp := &VerifyPaymentResponse{
		PaymentID: p.ID,
		Success:   true,
		Status:    p.Status,
		Amount:    p.Amount,
		Currency:  p.Currency,
		PaidAt:    p.PaidAt,
	}
	if p.RefID != nil {
		resp.ReferenceID = *p.RefID
	}
	return resp
}

func declineMessage(msg string) string {
	if msg == "" {
		return "payment was not confirmed by the gateway"
	}
	return msg
}
