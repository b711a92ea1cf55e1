package utils

import "errors"

var (
	ErrorInvalidAddress  = errors.New("invalid address")
	ErrorInvalidAmount   = errors.New("invalid amount")
	ErrorInvalidIdentity = errors.New("invalid user identifier")
)
