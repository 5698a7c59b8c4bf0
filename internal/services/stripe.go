package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"coaching_settlement/internal/settlement"
)

// StripeService implements the settlement gateway on Stripe Connect. Amounts
// cross the boundary in minor units of two-decimal currencies.
type StripeService struct {
	api *client.API
}

func NewStripeService(secretKey string, timeout time.Duration) *StripeService {
	httpClient := &http.Client{Timeout: timeout}
	return &StripeService{api: client.New(secretKey, stripe.NewBackends(httpClient))}
}

func toMinor(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

func (s *StripeService) RetrieveCharge(ctx context.Context, chargeID string) (*settlement.Charge, error) {
	params := &stripe.ChargeParams{}
	params.Context = ctx
	params.AddExpand("balance_transaction")

	ch, err := s.api.Charges.Get(chargeID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve charge %s: %w", chargeID, err)
	}
	if ch.BalanceTransaction == nil || ch.BalanceTransaction.ID == "" {
		return nil, fmt.Errorf("charge %s: %w", chargeID, settlement.ErrFeeNotAvailable)
	}

	return &settlement.Charge{
		ID:                   ch.ID,
		Fee:                  fromMinor(ch.BalanceTransaction.Fee),
		Currency:             strings.ToLower(string(ch.Currency)),
		AmountCaptured:       fromMinor(ch.AmountCaptured),
		AmountRefunded:       fromMinor(ch.AmountRefunded),
		BalanceTransactionID: ch.BalanceTransaction.ID,
	}, nil
}

func (s *StripeService) CreateRefund(ctx context.Context, req settlement.GatewayRefundRequest) (*settlement.GatewayRefund, error) {
	params := &stripe.RefundParams{
		Amount: stripe.Int64(toMinor(req.Amount)),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.PaymentIntentID != "" {
		params.PaymentIntent = stripe.String(req.PaymentIntentID)
	} else {
		params.Charge = stripe.String(req.ChargeID)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create refund: %w", err)
	}
	return &settlement.GatewayRefund{ID: r.ID, Status: string(r.Status)}, nil
}

func (s *StripeService) CreateTransfer(ctx context.Context, req settlement.TransferRequest) (*settlement.Transfer, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(toMinor(req.Amount)),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.TransferGroup),
	}
	if req.SourceChargeID != "" {
		params.SourceTransaction = stripe.String(req.SourceChargeID)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	t, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}
	return toTransfer(t), nil
}

func (s *StripeService) FindTransfer(ctx context.Context, transferGroup string) (*settlement.Transfer, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(transferGroup)}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	var found *stripe.Transfer
	it := s.api.Transfers.List(params)
	for it.Next() {
		t := it.Transfer()
		if found == nil || t.Created > found.Created {
			found = t
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transfers of group %s: %w", transferGroup, err)
	}
	if found == nil {
		return nil, nil
	}
	return toTransfer(found), nil
}

func (s *StripeService) GetTransfer(ctx context.Context, transferID string) (*settlement.Transfer, error) {
	params := &stripe.TransferParams{}
	params.Context = ctx

	t, err := s.api.Transfers.Get(transferID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve transfer %s: %w", transferID, err)
	}
	return toTransfer(t), nil
}

func (s *StripeService) ReverseTransfer(ctx context.Context, transferID string, amount decimal.Decimal, metadata map[string]string) (string, error) {
	if !amount.IsPositive() {
		return "", errors.New("reversal amount must be positive")
	}
	params := &stripe.TransferReversalParams{
		ID:     stripe.String(transferID),
		Amount: stripe.Int64(toMinor(amount)),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if refundID := metadata["refund_id"]; refundID != "" {
		params.SetIdempotencyKey("reversal-" + refundID)
	}

	r, err := s.api.TransferReversals.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to reverse transfer %s: %w", transferID, err)
	}
	return r.ID, nil
}

func toTransfer(t *stripe.Transfer) *settlement.Transfer {
	out := &settlement.Transfer{
		ID:             t.ID,
		Amount:         fromMinor(t.Amount),
		AmountReversed: fromMinor(t.AmountReversed),
		Currency:       strings.ToLower(string(t.Currency)),
		Reversed:       t.Reversed,
		Created:        time.Unix(t.Created, 0).UTC(),
		Metadata:       t.Metadata,
	}
	if t.Destination != nil {
		out.Destination = t.Destination.ID
	}
	return out
}
