package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
)

type TransactionParams struct {
	EventId      string          `json:"event_id"`
	SenderId     string          `json:"sender_id"`
	SenderName   string          `json:"sender_name"`
	SenderHandle string          `json:"sender_handle"`
	ResponsePath string          `json:"response_path"`
	To           string          `json:"to"`
	Amount       decimal.Decimal `json:"amount"`
	Token        string          `json:"token"`
	ChainId      int64           `json:"chain_id"`
}

type RewardParams struct {
	EventId      string `json:"event_id"`
	UserId       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	Handle       string `json:"handle"`
	SponsorId    string `json:"sponsor_id"`
	ResponsePath string `json:"response_path"`
}

type IsolatedRewardParams struct {
	EventId      string          `json:"event_id"`
	UserId       string          `json:"user_id"`
	Reason       string          `json:"reason"`
	Amount       decimal.Decimal `json:"amount"`
	Token        string          `json:"token"`
	ChainId      int64           `json:"chain_id"`
	OncePerUser  bool            `json:"once_per_user"`
	ResponsePath string          `json:"response_path"`
}

type SwapParams struct {
	EventId      string          `json:"event_id"`
	SenderId     string          `json:"sender_id"`
	SenderName   string          `json:"sender_name"`
	SenderHandle string          `json:"sender_handle"`
	ResponsePath string          `json:"response_path"`
	TokenIn      string          `json:"token_in"`
	TokenOut     string          `json:"token_out"`
	Amount       decimal.Decimal `json:"amount"`
	ChainId      int64           `json:"chain_id"`
}

type VestingRecipientParams struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

type VestingLockParams struct {
	EventId      string                   `json:"event_id"`
	SenderId     string                   `json:"sender_id"`
	SenderName   string                   `json:"sender_name"`
	SenderHandle string                   `json:"sender_handle"`
	ResponsePath string                   `json:"response_path"`
	Token        string                   `json:"token"`
	ChainId      int64                    `json:"chain_id"`
	Recipients   []VestingRecipientParams `json:"recipients"`
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook accepts amounts as JSON numbers or strings ("1,000.5").
func decimalHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case decimal.Decimal:
		return v, nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		v = strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		if v == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case nil:
		return decimal.Zero, nil
	}
	return nil, fmt.Errorf("cannot decode %T as amount", data)
}

// decodeParams decodes loosely typed event params into out.
func decodeParams(raw json.RawMessage, out interface{}) error {
	var generic interface{}
	if len(bytes.TrimSpace(raw)) == 0 {
		generic = map[string]interface{}{}
	} else {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       decimalHook,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(generic); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
