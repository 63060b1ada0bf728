// Package formpay integrates a hosted-redirect gateway that works in two
// phases: a send call that returns a bare transaction handle as plain text,
// and a verify call that exchanges the handle and the callback transaction id
// for a JSON status.
package formpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"event-payments/internal/gateway"
	"event-payments/internal/util"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	Name = "formpay"

	sendPath   = "/pg/send"
	verifyPath = "/pg/verify"
	payPath    = "/pg/"

	maxBodyBytes = 64 << 10
)

type Config struct {
	BaseURL string
	APIKey  string
	// ConversionDivisor converts internal amounts to the unit the upstream
	// expects. Defaults to 10.
	ConversionDivisor int64
	Timeout           time.Duration
}

// Adapter implements gateway.Adapter for the two-phase form protocol
type Adapter struct {
	baseURL    string
	apiKey     string
	divisor    int64
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates the adapter. A nil client gets one bounded by cfg.Timeout.
func New(cfg Config, client *http.Client) *Adapter {
	if cfg.ConversionDivisor <= 0 {
		cfg.ConversionDivisor = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		divisor:    cfg.ConversionDivisor,
		httpClient: client,
		logger:     util.GetLogger(),
	}
}

func (a *Adapter) Name() string {
	return Name
}

// Initiate calls the send endpoint. The upstream answers with the handle as
// plain text; anything non-numeric or negative is an upstream error code.
func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	amount := req.Amount.IntPart() / a.divisor
	if amount <= 0 {
		return &gateway.InitiateResult{
			Success: false,
			Message: fmt.Sprintf("amount %s is below the gateway minimum", req.Amount.String()),
		}, nil
	}

	form := url.Values{}
	form.Set("api", a.apiKey)
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("redirect", req.CallbackURL)
	form.Set("factorNumber", req.OrderRef)
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	body, err := a.post(ctx, "formpay.send", sendPath, form)
	if err != nil {
		return nil, err
	}

	handle := strings.TrimSpace(string(body))
	code, parseErr := strconv.ParseInt(handle, 10, 64)
	if parseErr != nil || code < 0 {
		a.logger.Warn("Gateway rejected initiation",
			zap.String("order_ref", req.OrderRef),
			zap.String("reply", handle))
		return &gateway.InitiateResult{
			Success: false,
			Message: fmt.Sprintf("gateway returned error %q", handle),
			Raw:     handle,
		}, nil
	}

	return &gateway.InitiateResult{
		Success:           true,
		TransactionHandle: handle,
		Redirect:          a.Redirect(handle),
		Raw:               handle,
	}, nil
}

type verifyReply struct {
	Status  flexString `json:"status"`
	Message string     `json:"message"`
	TransID flexString `json:"transId"`
	Amount  flexString `json:"amount"`
}

// Verify exchanges the handle and the callback transaction id for a status.
// A callback that already reports cancellation is declined without an
// upstream call.
func (a *Adapter) Verify(ctx context.Context, req gateway.VerifyRequest) (*gateway.VerifyResult, error) {
	transID := req.Proof[gateway.ProofTransactionID]
	if status, ok := req.Proof[gateway.ProofStatus]; ok && status != "1" {
		return &gateway.VerifyResult{Success: false, Status: "CANCELLED", Message: "payment cancelled by payer", TransactionID: transID}, nil
	}
	if transID == "" {
		return &gateway.VerifyResult{Success: false, Status: "MISSING_PROOF", Message: "transaction_id is required"}, nil
	}

	form := url.Values{}
	form.Set("api", a.apiKey)
	form.Set("token", req.TransactionHandle)
	form.Set("transId", transID)

	body, err := a.post(ctx, "formpay.verify", verifyPath, form)
	if err != nil {
		return nil, err
	}

	var reply verifyReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, errors.Wrapf(err, "formpay: malformed verify reply %q", truncate(body))
	}

	if string(reply.Status) != "1" {
		return &gateway.VerifyResult{
			Success:       false,
			Status:        string(reply.Status),
			Message:       reply.Message,
			TransactionID: transID,
			Raw:           string(body),
		}, nil
	}

	refID := string(reply.TransID)
	if refID == "" {
		refID = transID
	}
	return &gateway.VerifyResult{
		Success:       true,
		ReferenceID:   refID,
		TransactionID: transID,
		Status:        "1",
		Message:       reply.Message,
		Raw:           string(body),
	}, nil
}

// Redirect sends the payer to the hosted payment page of the handle
func (a *Adapter) Redirect(handle string) gateway.Redirect {
	return gateway.Redirect{URL: a.baseURL + payPath + handle, Method: http.MethodGet}
}

func (a *Adapter) post(ctx context.Context, op, path string, form url.Values) ([]byte, error) {
	start := time.Now()
	defer func() {
		util.GatewayRequestLatency.WithLabelValues(Name, op).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "formpay: build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, span := util.StartClientSpan(ctx, op, req)
	defer span.End()

	resp, err := a.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrapf(err, "formpay: %s", op)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrapf(err, "formpay: read %s reply", op)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := errors.Errorf("formpay: %s returned HTTP %d: %s", op, resp.StatusCode, truncate(body))
		span.RecordError(err)
		return nil, err
	}
	return body, nil
}

// flexString accepts both JSON strings and numbers
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
