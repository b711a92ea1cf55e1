package wallet

import "github.com/shopspring/decimal"

type Leg struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// SubmitRequest is the signed-intent payload of POST /v1/transactions.
// Either To/Amount or Legs is set.
type SubmitRequest struct {
	IdempotencyKey string          `json:"-"`
	SenderId       string          `json:"sender_id"`
	SenderName     string          `json:"sender_name,omitempty"`
	To             string          `json:"to,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Legs           []Leg           `json:"legs,omitempty"`
	Token          string          `json:"token"`
	TokenOut       string          `json:"token_out,omitempty"`
	ChainId        int64           `json:"chain_id"`
	Reason         string          `json:"reason"`
	Delegate       bool            `json:"delegate"`
}

type SubmitResult struct {
	TxHash     string              `json:"tx_hash"`
	UserOpHash string              `json:"user_op_hash"`
	AmountIn   decimal.NullDecimal `json:"amount_in"`
	AmountOut  decimal.NullDecimal `json:"amount_out"`
}

type addressResponse struct {
	Address string `json:"address"`
}

type operationResponse struct {
	Status string `json:"status"`
	TxHash string `json:"tx_hash"`
}
