package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/settlement_backend/models"
)

// Notifier receives settled or failed action records. Failures never change the settlement outcome.
type Notifier interface {
	Notify(ctx context.Context, rec models.ActionRecord) error
}

type Multi []Notifier

func (m Multi) Notify(ctx context.Context, rec models.ActionRecord) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Notify(context.Context, models.ActionRecord) error { return nil }

// Settlement is the public shape of a record sent to mirrors and archives.
type Settlement struct {
	Kind            models.ActionKind   `json:"kind"`
	DedupKey        string              `json:"dedup_key"`
	EventId         string              `json:"event_id"`
	Status          models.ActionStatus `json:"status"`
	Amount          string              `json:"amount"`
	Token           string              `json:"token"`
	ChainId         int64               `json:"chain_id"`
	Reason          string              `json:"reason"`
	SenderId        string              `json:"sender_id"`
	RecipientUserId string              `json:"recipient_user_id,omitempty"`
	RecipientAddr   string              `json:"recipient_address,omitempty"`
	Recipients      models.Recipients   `json:"recipients,omitempty"`
	TransactionHash string              `json:"transaction_hash,omitempty"`
	UserOpHash      string              `json:"user_operation_hash,omitempty"`
	AmountIn        string              `json:"amount_in,omitempty"`
	AmountOut       string              `json:"amount_out,omitempty"`
	TokenOut        string              `json:"token_out,omitempty"`
	DateAdded       string              `json:"date_added"`
}

func NewSettlement(rec models.ActionRecord) Settlement {
	s := Settlement{
		Kind:            rec.Kind,
		DedupKey:        rec.DedupKey,
		EventId:         rec.EventId,
		Status:          rec.Status,
		Amount:          rec.Amount.String(),
		Token:           rec.Token,
		ChainId:         rec.ChainId,
		Reason:          rec.Reason,
		SenderId:        rec.SenderId,
		RecipientUserId: rec.RecipientUserId,
		RecipientAddr:   rec.RecipientAddress,
		Recipients:      rec.Recipients,
		TransactionHash: rec.TransactionHash,
		UserOpHash:      rec.UserOperationHash,
		TokenOut:        rec.TokenOut,
		DateAdded:       rec.DateAdded.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if rec.AmountIn.Valid {
		s.AmountIn = rec.AmountIn.Decimal.String()
	}
	if rec.AmountOut.Valid {
		s.AmountOut = rec.AmountOut.Decimal.String()
	}
	return s
}
