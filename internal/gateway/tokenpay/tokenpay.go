// Package tokenpay integrates gateways built around a single opaque authority:
// the authority issued at initiation is exchanged, together with the amount,
// for a settlement reference at verification.
package tokenpay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"event-payments/internal/gateway"
	"event-payments/internal/util"

	"github.com/pkg/errors"
)

const (
	Name = "tokenpay"

	statusOK  = "OK"
	statusNOK = "NOK"
)

type Config struct {
	BaseURL    string
	MerchantID string
	Timeout    time.Duration
}

// Adapter implements gateway.Adapter for the token exchange protocol
type Adapter struct {
	baseURL    string
	merchantID string
	httpClient *http.Client
}

func New(cfg Config, client *http.Client) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		merchantID: cfg.MerchantID,
		httpClient: client,
	}
}

func (a *Adapter) Name() string {
	return Name
}

type initiatePayload struct {
	MerchantID  string `json:"merchant_id"`
	Amount      int64  `json:"amount"`
	CallbackURL string `json:"callback_url"`
	Description string `json:"description"`
	OrderRef    string `json:"order_ref"`
}

type initiateReply struct {
	Status    string `json:"status"`
	Authority string `json:"authority"`
	Message   string `json:"message"`
}

func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	var reply initiateReply
	raw, err := a.postJSON(ctx, "tokenpay.request", "/request", initiatePayload{
		MerchantID:  a.merchantID,
		Amount:      req.Amount.IntPart(),
		CallbackURL: req.CallbackURL,
		Description: req.Description,
		OrderRef:    req.OrderRef,
	}, &reply)
	if err != nil {
		return nil, err
	}

	if reply.Status != statusOK || reply.Authority == "" {
		return &gateway.InitiateResult{Success: false, Message: reply.Message, Raw: raw}, nil
	}

	return &gateway.InitiateResult{
		Success:           true,
		TransactionHandle: reply.Authority,
		Redirect:          a.Redirect(reply.Authority),
		Raw:               raw,
	}, nil
}

type verifyPayload struct {
	Authority string `json:"authority"`
	Amount    int64  `json:"amount"`
}

type verifyReply struct {
	Status  string `json:"status"`
	RefID   string `json:"refId"`
	Message string `json:"message"`
}

// Verify declines locally when the callback reports NOK; otherwise it
// exchanges the authority and amount for a reference id.
func (a *Adapter) Verify(ctx context.Context, req gateway.VerifyRequest) (*gateway.VerifyResult, error) {
	if strings.EqualFold(req.Proof[gateway.ProofStatus], statusNOK) {
		return &gateway.VerifyResult{Success: false, Status: statusNOK, Message: "payment cancelled by payer"}, nil
	}

	authority := req.TransactionHandle
	if proofAuthority := req.Proof[gateway.ProofAuthority]; proofAuthority != "" && proofAuthority != authority {
		return &gateway.VerifyResult{Success: false, Status: statusNOK, Message: "authority does not match payment"}, nil
	}

	var reply verifyReply
	raw, err := a.postJSON(ctx, "tokenpay.verify", "/verify", verifyPayload{
		Authority: authority,
		Amount:    req.Amount.IntPart(),
	}, &reply)
	if err != nil {
		return nil, err
	}

	if reply.Status != statusOK || reply.RefID == "" {
		return &gateway.VerifyResult{Success: false, Status: reply.Status, Message: reply.Message, Raw: raw}, nil
	}

	return &gateway.VerifyResult{
		Success:       true,
		ReferenceID:   reply.RefID,
		TransactionID: authority,
		Status:        statusOK,
		Raw:           raw,
	}, nil
}

func (a *Adapter) Redirect(handle string) gateway.Redirect {
	return gateway.Redirect{URL: a.baseURL + "/StartPay/" + handle, Method: http.MethodGet}
}

func (a *Adapter) postJSON(ctx context.Context, op, path string, payload, out interface{}) (string, error) {
	start := time.Now()
	defer func() {
		util.GatewayRequestLatency.WithLabelValues(Name, op).Observe(time.Since(start).Seconds())
	}()

	b, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "tokenpay: marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return "", errors.Wrap(err, "tokenpay: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	_, span := util.StartClientSpan(ctx, op, req)
	defer span.End()

	resp, err := a.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", errors.Wrapf(err, "tokenpay: %s", op)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", errors.Wrapf(err, "tokenpay: read %s reply", op)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return string(body), errors.Errorf("tokenpay: %s returned HTTP %d", op, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return string(body), errors.Wrapf(err, "tokenpay: malformed %s reply", op)
	}
	return string(body), nil
}
