package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"event-payments/internal/gateway"
	"event-payments/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const Name = "mock"

// Adapter simulates a hosted-redirect gateway. It is used whenever no real
// provider is configured and in tests.
type Adapter struct {
	baseURL     string
	successRate float64
	latency     time.Duration
	logger      *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand

	// Overrides for tests; nil means simulated behaviour.
	InitiateFunc func(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error)
	VerifyFunc   func(ctx context.Context, req gateway.VerifyRequest) (*gateway.VerifyResult, error)
}

type Config struct {
	BaseURL     string
	SuccessRate float64
	Latency     time.Duration
	Seed        int64
}

// New creates a mock adapter. A zero Seed uses the current time.
func New(cfg Config) *Adapter {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080/mock-gateway"
	}
	return &Adapter{
		baseURL:     cfg.BaseURL,
		successRate: cfg.SuccessRate,
		latency:     cfg.Latency,
		logger:      util.GetLogger(),
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

func (a *Adapter) Name() string {
	return Name
}

func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	if a.InitiateFunc != nil {
		return a.InitiateFunc(ctx, req)
	}
	if err := a.sleep(ctx); err != nil {
		return nil, err
	}

	handle := fmt.Sprintf("MOCK-%s", uuid.New().String())
	a.logger.Debug("Mock gateway issued handle",
		zap.String("order_ref", req.OrderRef),
		zap.String("handle", handle))

	return &gateway.InitiateResult{
		Success:           true,
		TransactionHandle: handle,
		Redirect:          a.Redirect(handle),
	}, nil
}

func (a *Adapter) Verify(ctx context.Context, req gateway.VerifyRequest) (*gateway.VerifyResult, error) {
	if a.VerifyFunc != nil {
		return a.VerifyFunc(ctx, req)
	}
	if err := a.sleep(ctx); err != nil {
		return nil, err
	}

	if req.Proof[gateway.ProofStatus] == "NOK" || !a.roll() {
		return &gateway.VerifyResult{
			Success: false,
			Status:  "DECLINED",
			Message: "mock_payment_declined",
		}, nil
	}

	return &gateway.VerifyResult{
		Success:       true,
		ReferenceID:   fmt.Sprintf("REF-%s", uuid.New().String()[:8]),
		TransactionID: req.TransactionHandle,
		Status:        "SETTLED",
	}, nil
}

// Redirect posts the handle back to the mock payment page
func (a *Adapter) Redirect(handle string) gateway.Redirect {
	return gateway.Redirect{
		URL:    a.baseURL + "/pay",
		Method: "POST",
		Fields: map[string]string{"token": handle},
	}
}

func (a *Adapter) roll() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rnd.Float64() < a.successRate
}

func (a *Adapter) sleep(ctx context.Context) error {
	if a.latency <= 0 {
		return nil
	}
	select {
	case <-time.After(a.latency):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mock gateway: %w", ctx.Err())
	}
}
