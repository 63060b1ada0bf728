// Package gateway defines the boundary between the payment service and
// upstream payment providers. Each provider lives in its own subpackage and
// translates an internal payment intent into that provider's wire protocol.
//
// Adapters report upstream-declared business failures as a result with
// Success=false and a nil error. A returned error always means a transport
// or protocol fault: timeout, non-2xx status, or a body that cannot be parsed.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Redirect tells the client where to continue the payment.
// Fields are posted as a form when Method is POST.
type Redirect struct {
	URL    string            `json:"url"`
	Method string            `json:"method"`
	Fields map[string]string `json:"fields,omitempty"`
}

// InitiateRequest is the internal payment intent handed to a provider
type InitiateRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	CallbackURL string
	OrderRef    string
	Metadata    map[string]string
}

// InitiateResult is the provider's answer to an initiation
type InitiateResult struct {
	Success           bool
	TransactionHandle string
	Redirect          Redirect
	Message           string
	Raw               string
}

// VerifyRequest carries the stored handle plus whatever the client brought
// back from the provider's callback.
type VerifyRequest struct {
	TransactionHandle string
	Amount            decimal.Decimal
	Proof             map[string]string
}

// VerifyResult is the provider's settlement answer
type VerifyResult struct {
	Success       bool
	ReferenceID   string
	TransactionID string
	Status        string
	Message       string
	Raw           string
}

// Adapter is implemented by every payment provider integration.
type Adapter interface {
	// Name is the identifier stored on payments created through this adapter.
	Name() string

	// Initiate opens a transaction upstream and returns its handle.
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)

	// Verify exchanges the stored handle and callback proof for a settlement result.
	Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error)

	// Redirect rebuilds the client redirect for an already issued handle.
	Redirect(handle string) Redirect
}

// Common proof field names posted back by clients after the provider callback
const (
	ProofStatus        = "status"
	ProofAuthority     = "authority"
	ProofTransactionID = "transaction_id"
)
