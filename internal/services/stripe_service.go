package services

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeGateway is the PaymentGateway backed by Stripe
type StripeGateway struct {
	api     *client.API
	timeout time.Duration
}

// NewStripeGateway creates a Stripe client whose HTTP calls are bounded by timeout
func NewStripeGateway(secretKey string, timeout time.Duration) *StripeGateway {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	return newStripeGateway(secretKey, stripe.NewBackends(&http.Client{Timeout: timeout}), timeout)
}

func newStripeGateway(secretKey string, backends *stripe.Backends, timeout time.Duration) *StripeGateway {
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return &StripeGateway{api: sc, timeout: timeout}
}

func (g *StripeGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, profile CustomerProfile) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Name:   stripe.String(profile.Name),
		Email:  stripe.String(profile.Email),
	}
	if profile.Phone != "" {
		params.Phone = stripe.String(profile.Phone)
	}
	if profile.Address != "" {
		params.Address = &stripe.AddressParams{Line1: stripe.String(profile.Address)}
	}
	for k, v := range profile.Metadata {
		params.AddMetadata(k, v)
	}

	c, err := g.api.Customers.New(params)
	if err != nil {
		return "", wrapStripeError("create customer", err)
	}
	return c.ID, nil
}

func (g *StripeGateway) AttachMethod(ctx context.Context, customerID, methodID string) (*CardSnapshot, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	pm, err := g.api.PaymentMethods.Attach(methodID, &stripe.PaymentMethodAttachParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
	})
	if err != nil {
		// Attaching a method the customer already owns is not a failure
		var se *stripe.Error
		if errors.As(err, &se) && strings.Contains(se.Msg, "already been attached") {
			pm, err = g.api.PaymentMethods.Get(methodID, &stripe.PaymentMethodParams{Params: stripe.Params{Context: ctx}})
		}
		if err != nil {
			return nil, wrapStripeError("attach payment method", err)
		}
	}

	snap := &CardSnapshot{MethodID: pm.ID}
	if pm.Card != nil {
		snap.Brand = string(pm.Card.Brand)
		snap.Last4 = pm.Card.Last4
		snap.ExpMonth = int(pm.Card.ExpMonth)
		snap.ExpYear = int(pm.Card.ExpYear)
	}
	return snap, nil
}

func (g *StripeGateway) SetDefaultMethod(ctx context.Context, customerID, methodID string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	_, err := g.api.Customers.Update(customerID, &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(methodID),
		},
	})
	if err != nil {
		return wrapStripeError("set default payment method", err)
	}
	return nil
}

func (g *StripeGateway) CreateAndConfirmPaymentIntent(ctx context.Context, req IntentRequest) (*IntentResult, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.MethodID),
		Confirm:       stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.OffSession {
		params.OffSession = stripe.Bool(true)
	} else if req.ReturnURL != "" {
		params.ReturnURL = stripe.String(req.ReturnURL)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, wrapStripeError("create payment intent", err)
	}

	return &IntentResult{
		Status:        IntentStatus(pi.Status),
		TransactionID: pi.ID,
		ClientSecret:  pi.ClientSecret,
		AmountMinor:   pi.Amount,
	}, nil
}

func (g *StripeGateway) CancelPaymentIntent(ctx context.Context, transactionID string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	_, err := g.api.PaymentIntents.Cancel(transactionID, &stripe.PaymentIntentCancelParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == "payment_intent_unexpected_state" && strings.Contains(se.Msg, "canceled") {
			return nil
		}
		return wrapStripeError("cancel payment intent", err)
	}
	return nil
}

func (g *StripeGateway) DeleteCustomer(ctx context.Context, customerID string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	if _, err := g.api.Customers.Del(customerID, &stripe.CustomerParams{Params: stripe.Params{Context: ctx}}); err != nil {
		return wrapStripeError("delete customer", err)
	}
	return nil
}

func wrapStripeError(op string, err error) error {
	if err == nil {
		return nil
	}

	ge := &GatewayError{Op: op, Message: err.Error(), Err: err}

	var se *stripe.Error
	if errors.As(err, &se) {
		ge.Message = se.Msg
		ge.Code = string(se.Code)
		ge.DeclineCode = string(se.DeclineCode)
		ge.HTTPStatus = se.HTTPStatusCode
		if se.PaymentIntent != nil {
			ge.TransactionID = se.PaymentIntent.ID
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		ge.Timeout = true
		ge.Message = "payment processor timed out"
	}
	return ge
}
