package wallet

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

	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/utils"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL          string
	TokenURL         string
	ClientID         string
	ClientSecret     string
	Timeout          time.Duration
	PermanentStatus  int
	RatePerSecond    int
	AddressCacheSize int
	HTTPClient       *http.Client
	TokenCache       redis.Cmdable
}

func ConfigFromSettings(s config.Settings, cache redis.Cmdable) Config {
	return Config{
		BaseURL:          s.WalletBaseURL,
		TokenURL:         s.WalletTokenURL,
		ClientID:         s.WalletClientID,
		ClientSecret:     s.WalletClientSecret,
		Timeout:          s.WalletTimeout,
		PermanentStatus:  s.WalletPermanentStatus,
		RatePerSecond:    s.WalletRatePerSecond,
		AddressCacheSize: s.WalletAddressCacheSize,
		TokenCache:       cache,
	}
}

// Client talks to the custodial signer: address resolution, submission and status lookup.
type Client struct {
	baseURL         string
	http            *http.Client
	timeout         time.Duration
	limiter         *rate.Limiter
	tokens          *tokenManager
	addresses       *lru.Cache[string, string]
	permanentStatus int
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("wallet api base url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 100 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	permanent := cfg.PermanentStatus
	if permanent <= 0 {
		permanent = http.StatusUnprocessableEntity
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = cfg.RatePerSecond
	}
	cacheSize := cfg.AddressCacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	addresses, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:         baseURL,
		http:            httpClient,
		timeout:         timeout,
		limiter:         rate.NewLimiter(limit, burst),
		addresses:       addresses,
		permanentStatus: permanent,
	}
	if strings.TrimSpace(cfg.TokenURL) != "" {
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errNoCredentials
		}
		c.tokens = newTokenManager(clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}, httpClient, cfg.TokenCache)
	}
	return c, nil
}

// IsPermanent reports the single status code the custodian uses for irrecoverable rejections.
func (c *Client) IsPermanent(err error) bool {
	return err != nil && StatusCode(err) == c.permanentStatus
}

// Refresh fetches a new access token; a no-op without client credentials.
func (c *Client) Refresh(ctx context.Context) error {
	if c.tokens == nil {
		return nil
	}
	_, err := c.tokens.Refresh(ctx)
	return err
}

func (c *Client) ResolveAddress(ctx context.Context, userId string) (string, error) {
	userId = strings.TrimSpace(userId)
	if userId == "" {
		return "", utils.ErrorInvalidIdentity
	}
	if addr, ok := c.addresses.Get(userId); ok {
		return addr, nil
	}

	var resp addressResponse
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userId)+"/address", nil, nil, &resp); err != nil {
		return "", err
	}
	addr, err := utils.ToChecksumAddress(resp.Address)
	if err != nil {
		return "", fmt.Errorf("resolve address for %s: %w", userId, err)
	}
	c.addresses.Add(userId, addr)
	return addr, nil
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}
	var res SubmitResult
	if err := c.do(ctx, http.MethodPost, "/v1/transactions", req, headers, &res); err != nil {
		return SubmitResult{}, err
	}
	if res.TxHash == "" && res.UserOpHash == "" {
		return SubmitResult{}, errors.New("wallet submit returned neither tx hash nor operation hash")
	}
	return res, nil
}

// PollStatus returns the transaction hash of a user operation, or ErrPending.
func (c *Client) PollStatus(ctx context.Context, userOpHash string) (string, error) {
	if userOpHash == "" {
		return "", errors.New("operation hash is empty")
	}
	var resp operationResponse
	if err := c.do(ctx, http.MethodGet, "/v1/operations/"+url.PathEscape(userOpHash), nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.TxHash == "" {
		return "", ErrPending
	}
	return resp.TxHash, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var tok *oauth2.Token
	if c.tokens != nil {
		var err error
		tok, err = c.tokens.Token(ctx)
		if err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != nil {
		tok.SetAuthHeader(req)
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok && cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		c.tokens.Invalidate(ctx, tok)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Method: method, Path: path, Body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode wallet response %s %s: %w", method, path, err)
	}
	return nil
}
