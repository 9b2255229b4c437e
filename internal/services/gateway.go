package services

import (
	"context"
	"fmt"
)

// IntentStatus is the processor-side state of a payment intent after confirmation
type IntentStatus string

const (
	IntentSucceeded      IntentStatus = "succeeded"
	IntentRequiresAction IntentStatus = "requires_action"
	IntentProcessing     IntentStatus = "processing"
	IntentFailed         IntentStatus = "requires_payment_method"
	IntentCanceled       IntentStatus = "canceled"
)

// CustomerProfile is what the processor needs to create a customer
type CustomerProfile struct {
	Name     string
	Email    string
	Phone    string
	Address  string
	Metadata map[string]string
}

// CardSnapshot is the card data the processor reports when a method is attached
type CardSnapshot struct {
	MethodID string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// IntentRequest describes one charge. AmountMinor is in the currency's minor unit.
type IntentRequest struct {
	CustomerID     string
	MethodID       string
	AmountMinor    int64
	Currency       string
	Description    string
	Metadata       map[string]string
	OffSession     bool
	ReturnURL      string
	IdempotencyKey string
}

// IntentResult is the state of a created and confirmed intent
type IntentResult struct {
	Status        IntentStatus
	TransactionID string
	ClientSecret  string
	AmountMinor   int64
}

// PaymentGateway is the contract with the card processor
type PaymentGateway interface {
	CreateCustomer(ctx context.Context, profile CustomerProfile) (string, error)
	AttachMethod(ctx context.Context, customerID, methodID string) (*CardSnapshot, error)
	SetDefaultMethod(ctx context.Context, customerID, methodID string) error
	CreateAndConfirmPaymentIntent(ctx context.Context, req IntentRequest) (*IntentResult, error)
	CancelPaymentIntent(ctx context.Context, transactionID string) error
	DeleteCustomer(ctx context.Context, customerID string) error
}

// GatewayError is a processor rejection or transport failure.
// TransactionID is set when the processor had already created an intent.
type GatewayError struct {
	Op            string
	Message       string
	Code          string
	DeclineCode   string
	HTTPStatus    int
	TransactionID string
	Timeout       bool
	Err           error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }
