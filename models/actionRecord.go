package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ActionRecord is the durable trace of one settlement family.
// Unique constraints: (kind, dedup_key) and (kind, conflict_key) where conflict_key is not null.
type ActionRecord struct {
	ID          int          `gorm:"primary_key" json:"id"`
	Kind        ActionKind   `gorm:"size:32;not null;index:uniq_action_dedup,unique;index:uniq_action_conflict,unique" json:"kind"`
	DedupKey    string       `gorm:"size:255;not null;index:uniq_action_dedup,unique" json:"dedup_key"`
	ConflictKey *string      `gorm:"size:255;index:uniq_action_conflict,unique" json:"conflict_key"`
	Status      ActionStatus `gorm:"size:20;not null;index" json:"status"`
	EventId     string       `gorm:"size:100;index" json:"event_id"`

	Amount  decimal.Decimal `gorm:"type:decimal(38,18);not null" json:"amount"`
	Reason  string          `gorm:"size:64;not null" json:"reason"`
	Token   string          `gorm:"size:32" json:"token"`
	ChainId int64           `json:"chain_id"`

	RecipientUserId  string     `gorm:"size:100;index" json:"recipient_user_id"`
	RecipientAddress string     `gorm:"size:64" json:"recipient_address"`
	Recipients       Recipients `gorm:"type:text" json:"recipients,omitempty"`

	SenderId     string `gorm:"size:100;index" json:"sender_id"`
	SenderName   string `gorm:"size:255" json:"sender_name"`
	SenderHandle string `gorm:"size:100" json:"sender_handle"`
	ResponsePath string `gorm:"size:512" json:"response_path"`

	TransactionHash   string `gorm:"size:100" json:"transaction_hash"`
	UserOperationHash string `gorm:"size:100" json:"user_operation_hash"`

	AmountIn  decimal.NullDecimal `gorm:"type:decimal(38,18)" json:"amount_in"`
	AmountOut decimal.NullDecimal `gorm:"type:decimal(38,18)" json:"amount_out"`
	TokenOut  string              `gorm:"size:32" json:"token_out"`

	ParentTransactionHash string `gorm:"size:100" json:"parent_transaction_hash"`
	SponsorId             string `gorm:"size:100" json:"sponsor_id"`
	SponsoredUserId       string `gorm:"size:100;index" json:"sponsored_user_id"`

	Attempts  int     `gorm:"not null;default:0" json:"attempts"`
	LastError *string `gorm:"type:text" json:"last_error"`

	DateAdded time.Time `gorm:"not null;index" json:"date_added"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Recipient is one leg of a multi-recipient settlement (vesting locks).
type Recipient struct {
	UserId  string          `json:"user_id"`
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

type Recipients []Recipient

func (r Recipients) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *Recipients) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("recipients: unsupported scan type")
	}
	if len(b) == 0 {
		*r = nil
		return nil
	}
	return json.Unmarshal(b, r)
}

// Total sums the recipient amounts.
func (r Recipients) Total() decimal.Decimal {
	total := decimal.Zero
	for _, v := range r {
		total = total.Add(v.Amount)
	}
	return total
}

const maxLastErrorBytes = 2000

// SetLastError stores err's message, cut to maxLastErrorBytes on a rune boundary.
func (r *ActionRecord) SetLastError(err error) {
	if err == nil {
		r.LastError = nil
		return
	}
	msg := err.Error()
	if len(msg) > maxLastErrorBytes {
		msg = strings.ToValidUTF8(msg[:maxLastErrorBytes], "")
	}
	r.LastError = &msg
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
