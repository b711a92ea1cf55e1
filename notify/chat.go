package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/settlement_backend/models"
)

// ErrResponseHostNotAllowed means a response path points outside the configured chat hosts.
var ErrResponseHostNotAllowed = errors.New("response path host not allowed")

// ChatResponder posts a settlement message back to the conversation that triggered it.
// Only hosts in its allowlist are contacted.
type ChatResponder struct {
	http  *http.Client
	hosts []string
}

// NewChatResponder accepts exact host names; an entry starting with '.' also admits its subdomains.
func NewChatResponder(client *http.Client, allowedHosts []string) *ChatResponder {
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &ChatResponder{http: client, hosts: hosts}
}

func (c *ChatResponder) target(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, fmt.Errorf("%w: %q", ErrResponseHostNotAllowed, raw)
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range c.hosts {
		if host == h || (strings.HasPrefix(h, ".") && strings.HasSuffix(host, h)) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrResponseHostNotAllowed, host)
}

type chatMessage struct {
	Text            string              `json:"text"`
	Status          models.ActionStatus `json:"status"`
	Kind            models.ActionKind   `json:"kind"`
	TransactionHash string              `json:"transaction_hash,omitempty"`
}

func (c *ChatResponder) Notify(ctx context.Context, rec models.ActionRecord) error {
	path := strings.TrimSpace(rec.ResponsePath)
	if path == "" {
		return nil
	}
	target, err := c.target(path)
	if err != nil {
		return err
	}
	body, err := json.Marshal(chatMessage{
		Text:            chatText(rec),
		Status:          rec.Status,
		Kind:            rec.Kind,
		TransactionHash: rec.TransactionHash,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("chat response error %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func chatText(rec models.ActionRecord) string {
	switch rec.Status {
	case models.ActionStatusSuccess:
		if rec.Kind == models.ActionKindSwap && rec.AmountOut.Valid {
			return fmt.Sprintf("Swap complete: %s %s received. Tx %s", rec.AmountOut.Decimal.String(), rec.TokenOut, rec.TransactionHash)
		}
		return fmt.Sprintf("Sent %s %s (%s). Tx %s", rec.Amount.String(), rec.Token, rec.Reason, rec.TransactionHash)
	case models.ActionStatusFailure, models.ActionStatusFailure503:
		return fmt.Sprintf("Could not send %s %s (%s).", rec.Amount.String(), rec.Token, rec.Reason)
	}
	return fmt.Sprintf("Your %s is being processed.", rec.Reason)
}
