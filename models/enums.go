package models

import (
	"errors"
	"strings"
)

type ActionStatus string

const (
	ActionStatusUndefined   ActionStatus = "UNDEFINED"
	ActionStatusPending     ActionStatus = "PENDING"
	ActionStatusPendingHash ActionStatus = "PENDING_HASH"
	ActionStatusSuccess     ActionStatus = "SUCCESS"
	ActionStatusFailure     ActionStatus = "FAILURE"
	ActionStatusFailure503  ActionStatus = "FAILURE_503"
)

func (s ActionStatus) IsValid() bool {
	switch s {
	case ActionStatusUndefined, ActionStatusPending, ActionStatusPendingHash,
		ActionStatusSuccess, ActionStatusFailure, ActionStatusFailure503:
		return true
	}
	return false
}

// IsTerminal reports whether no further settlement or polling happens for the record.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionStatusSuccess || s == ActionStatusFailure || s == ActionStatusFailure503
}

type ActionKind string

const (
	ActionKindTransfer       ActionKind = "TRANSFER"
	ActionKindSignupReward   ActionKind = "SIGNUP_REWARD"
	ActionKindReferralReward ActionKind = "REFERRAL_REWARD"
	ActionKindLinkReward     ActionKind = "LINK_REWARD"
	ActionKindIsolatedReward ActionKind = "ISOLATED_REWARD"
	ActionKindSwap           ActionKind = "SWAP"
	ActionKindVestingLock    ActionKind = "VESTING_LOCK"
)

var AllActionKinds = []ActionKind{
	ActionKindTransfer,
	ActionKindSignupReward,
	ActionKindReferralReward,
	ActionKindLinkReward,
	ActionKindIsolatedReward,
	ActionKindSwap,
	ActionKindVestingLock,
}

func (k ActionKind) IsValid() bool {
	for _, v := range AllActionKinds {
		if v == k {
			return true
		}
	}
	return false
}

func ParseActionKind(v string) (ActionKind, error) {
	k := ActionKind(strings.ToUpper(strings.TrimSpace(v)))
	if !k.IsValid() {
		return "", errors.New("invalid action kind: " + v)
	}
	return k, nil
}

// settlement reasons
const (
	ReasonTransfer    = "transfer"
	ReasonUserSignUp  = "user_sign_up"
	ReasonReferral    = "referral"
	ReasonUserLinked  = "user_linked"
	ReasonSwap        = "swap"
	ReasonVestingLock = "vesting_lock"
)
