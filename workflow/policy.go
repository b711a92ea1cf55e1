package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/models"
	"github.com/mmdatafocus/settlement_backend/utils"
	"github.com/mmdatafocus/settlement_backend/wallet"

	"github.com/shopspring/decimal"
)

// Policy is everything that differs between settlement kinds.
type Policy struct {
	Kind     models.ActionKind
	Reason   string
	Amount   decimal.Decimal
	Token    string
	ChainId  int64
	SenderId string
	// Delegate asks the custodian to sign on behalf of the sender's own account.
	Delegate bool

	DedupKey    func(in Intent) string
	ConflictKey func(in Intent) string
	Validate    func(rec *models.ActionRecord) error
	Request     func(rec *models.ActionRecord, req *wallet.SubmitRequest)
	OnSubmitted func(rec *models.ActionRecord, res wallet.SubmitResult)
}

func (p Policy) prepare(in Intent) Intent {
	if in.Reason == "" {
		in.Reason = p.Reason
	}
	if in.Amount.IsZero() && !p.Amount.IsZero() {
		in.Amount = p.Amount
	}
	if in.Token == "" {
		in.Token = p.Token
	}
	if in.ChainId == 0 {
		in.ChainId = p.ChainId
	}
	if in.Sender.Id == "" {
		in.Sender.Id = p.SenderId
	}
	if p.DedupKey != nil {
		in.DedupKey = p.DedupKey(in)
	}
	if p.ConflictKey != nil {
		in.ConflictKey = p.ConflictKey(in)
	}
	return in
}

func (p Policy) request(rec *models.ActionRecord) wallet.SubmitRequest {
	req := wallet.SubmitRequest{
		IdempotencyKey: string(rec.Kind) + ":" + rec.DedupKey,
		SenderId:       rec.SenderId,
		SenderName:     rec.SenderName,
		To:             rec.RecipientAddress,
		Amount:         rec.Amount,
		Token:          rec.Token,
		ChainId:        rec.ChainId,
		Reason:         rec.Reason,
		Delegate:       p.Delegate,
	}
	if p.Request != nil {
		p.Request(rec, &req)
	}
	return req
}

// joinKey returns "" when any part is missing.
func joinKey(parts ...string) string {
	for _, v := range parts {
		if strings.TrimSpace(v) == "" {
			return ""
		}
	}
	return strings.Join(parts, "|")
}

func prefixedKey(prefix string, parts ...string) string {
	k := joinKey(parts...)
	if k == "" {
		return ""
	}
	return prefix + ":" + strings.ReplaceAll(k, "|", ":")
}

var (
	errNoRecipient = errors.New("settlement has no recipient")
	errNoSender    = errors.New("settlement has no sender")
)

func validateSingle(rec *models.ActionRecord) error {
	if !utils.IsPlausibleAmount(rec.Amount) {
		return fmt.Errorf("%w: %s", utils.ErrorInvalidAmount, rec.Amount.String())
	}
	if rec.SenderId == "" {
		return errNoSender
	}
	if rec.RecipientAddress == "" && rec.RecipientUserId == "" {
		return errNoRecipient
	}
	if rec.RecipientAddress != "" && !utils.IsHexAddress(rec.RecipientAddress) {
		return fmt.Errorf("%w: %s", utils.ErrorInvalidAddress, rec.RecipientAddress)
	}
	return nil
}

// Policies holds the configured policy of every settlement kind.
type Policies struct {
	Transfer       Policy
	SignupReward   Policy
	ReferralReward Policy
	LinkReward     Policy
	IsolatedReward Policy
	Swap           Policy
	VestingLock    Policy
}

func NewPolicies(s config.Settings) Policies {
	return Policies{
		Transfer:       TransferPolicy(s.RewardToken, s.DefaultChainId),
		SignupReward:   SignupRewardPolicy(s.SignupRewardAmount, s.RewardToken, s.DefaultChainId, s.WalletSenderId),
		ReferralReward: ReferralRewardPolicy(s.ReferralRewardAmount, s.RewardToken, s.DefaultChainId, s.WalletSenderId),
		LinkReward:     LinkRewardPolicy(s.LinkRewardAmount, s.RewardToken, s.DefaultChainId, s.WalletSenderId),
		IsolatedReward: IsolatedRewardPolicy(s.RewardToken, s.DefaultChainId, s.WalletSenderId),
		Swap:           SwapPolicy(s.DefaultChainId),
		VestingLock:    VestingLockPolicy(s.RewardToken, s.DefaultChainId),
	}
}

func TransferPolicy(token string, chainId int64) Policy {
	return Policy{
		Kind:     models.ActionKindTransfer,
		Reason:   models.ReasonTransfer,
		Token:    token,
		ChainId:  chainId,
		Delegate: true,
		DedupKey: func(in Intent) string { return joinKey(in.EventId) },
		Validate: validateSingle,
	}
}

func SignupRewardPolicy(amount decimal.Decimal, token string, chainId int64, senderId string) Policy {
	return Policy{
		Kind:     models.ActionKindSignupReward,
		Reason:   models.ReasonUserSignUp,
		Amount:   amount,
		Token:    token,
		ChainId:  chainId,
		SenderId: senderId,
		DedupKey: func(in Intent) string {
			return joinKey(in.RecipientUserId, in.EventId, in.Reason)
		},
		ConflictKey: func(in Intent) string { return prefixedKey("signup", in.RecipientUserId) },
		Validate:    validateSingle,
	}
}

// ReferralRewardPolicy pays the sender of the first transfer a new user received.
func ReferralRewardPolicy(amount decimal.Decimal, token string, chainId int64, senderId string) Policy {
	return Policy{
		Kind:     models.ActionKindReferralReward,
		Reason:   models.ReasonReferral,
		Amount:   amount,
		Token:    token,
		ChainId:  chainId,
		SenderId: senderId,
		DedupKey: func(in Intent) string { return joinKey(in.ParentTransactionHash) },
		ConflictKey: func(in Intent) string {
			return prefixedKey("referral", in.SponsoredUserId)
		},
		Validate: func(rec *models.ActionRecord) error {
			if rec.RecipientUserId == rec.SponsoredUserId {
				return errors.New("referral reward to the referred user")
			}
			return validateSingle(rec)
		},
	}
}

func LinkRewardPolicy(amount decimal.Decimal, token string, chainId int64, senderId string) Policy {
	return Policy{
		Kind:     models.ActionKindLinkReward,
		Reason:   models.ReasonUserLinked,
		Amount:   amount,
		Token:    token,
		ChainId:  chainId,
		SenderId: senderId,
		DedupKey: func(in Intent) string {
			return joinKey(in.SponsorId, in.SponsoredUserId, in.Reason)
		},
		Validate: func(rec *models.ActionRecord) error {
			if rec.SponsorId == rec.SponsoredUserId {
				return errors.New("link reward to self")
			}
			return validateSingle(rec)
		},
	}
}

// IsolatedRewardPolicy settles caller-defined rewards; OncePerUser makes the reason unique per user.
func IsolatedRewardPolicy(token string, chainId int64, senderId string) Policy {
	return Policy{
		Kind:     models.ActionKindIsolatedReward,
		Token:    token,
		ChainId:  chainId,
		SenderId: senderId,
		DedupKey: func(in Intent) string {
			return joinKey(in.RecipientUserId, in.EventId, in.Reason)
		},
		ConflictKey: func(in Intent) string {
			if !in.OncePerUser {
				return ""
			}
			return prefixedKey("isolated", in.RecipientUserId, in.Reason)
		},
		Validate: validateSingle,
	}
}

func SwapPolicy(chainId int64) Policy {
	return Policy{
		Kind:     models.ActionKindSwap,
		Reason:   models.ReasonSwap,
		ChainId:  chainId,
		Delegate: true,
		DedupKey: func(in Intent) string { return joinKey(in.EventId) },
		Validate: func(rec *models.ActionRecord) error {
			if !utils.IsPlausibleAmount(rec.Amount) {
				return fmt.Errorf("%w: %s", utils.ErrorInvalidAmount, rec.Amount.String())
			}
			if rec.Token == "" || rec.TokenOut == "" || strings.EqualFold(rec.Token, rec.TokenOut) {
				return fmt.Errorf("invalid swap pair %q -> %q", rec.Token, rec.TokenOut)
			}
			if rec.SenderId == "" {
				return errNoSender
			}
			return nil
		},
		Request: func(rec *models.ActionRecord, req *wallet.SubmitRequest) {
			req.TokenOut = rec.TokenOut
		},
		OnSubmitted: func(rec *models.ActionRecord, res wallet.SubmitResult) {
			if res.AmountIn.Valid {
				rec.AmountIn = res.AmountIn
			} else {
				rec.AmountIn = decimal.NullDecimal{Decimal: rec.Amount, Valid: true}
			}
			if res.AmountOut.Valid {
				rec.AmountOut = res.AmountOut
			}
		},
	}
}

// VestingLockPolicy locks tokens for several recipients in one call.
func VestingLockPolicy(token string, chainId int64) Policy {
	return Policy{
		Kind:     models.ActionKindVestingLock,
		Reason:   models.ReasonVestingLock,
		Token:    token,
		ChainId:  chainId,
		Delegate: true,
		DedupKey: func(in Intent) string { return joinKey(in.EventId) },
		Validate: func(rec *models.ActionRecord) error {
			if len(rec.Recipients) == 0 {
				return errNoRecipient
			}
			if rec.SenderId == "" {
				return errNoSender
			}
			for _, r := range rec.Recipients {
				if !utils.IsPlausibleAmount(r.Amount) {
					return fmt.Errorf("%w: %s", utils.ErrorInvalidAmount, r.Amount.String())
				}
				if r.Address == "" && r.UserId == "" {
					return errNoRecipient
				}
				if r.Address != "" && !utils.IsHexAddress(r.Address) {
					return fmt.Errorf("%w: %s", utils.ErrorInvalidAddress, r.Address)
				}
			}
			return nil
		},
		Request: func(rec *models.ActionRecord, req *wallet.SubmitRequest) {
			req.To = ""
			req.Amount = rec.Recipients.Total()
			req.Legs = make([]wallet.Leg, 0, len(rec.Recipients))
			for _, r := range rec.Recipients {
				req.Legs = append(req.Legs, wallet.Leg{To: r.Address, Amount: r.Amount})
			}
		},
	}
}
