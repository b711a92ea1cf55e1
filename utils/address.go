package utils

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

func IsHexAddress(s string) bool {
	s = strip0x(s)
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ToChecksumAddress returns the EIP-55 mixed-case form of an EVM address.
// Mixed-case input must already carry a valid checksum.
func ToChecksumAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !IsHexAddress(s) {
		return "", ErrorInvalidAddress
	}
	body := strip0x(s)
	lower := strings.ToLower(body)

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	sum := h.Sum(nil)

	out := []byte(lower)
	for i := range out {
		if out[i] < 'a' || out[i] > 'f' {
			continue
		}
		nibble := sum[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if nibble >= 8 {
			out[i] -= 'a' - 'A'
		}
	}
	checksummed := "0x" + string(out)

	if body != lower && body != strings.ToUpper(body) && "0x"+body != checksummed {
		return "", ErrorInvalidAddress
	}
	return checksummed, nil
}

func strip0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}
