package wallet

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrPending is returned by PollStatus while the operation has no transaction hash yet.
var ErrPending = errors.New("wallet operation pending")

// APIError is a non-2xx answer from the custodian.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wallet api error %d on %s %s: %s", e.StatusCode, e.Method, e.Path, strings.TrimSpace(e.Body))
}

func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsUnavailable is true for a 503 answer.
func IsUnavailable(err error) bool {
	return StatusCode(err) == http.StatusServiceUnavailable
}
