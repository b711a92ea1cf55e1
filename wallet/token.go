package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

const tokenExpiryLeeway = 30 * time.Second

// tokenManager holds the custodian access token. Readers load it without locking;
// fetches are collapsed with singleflight and shared across instances through Redis.
type tokenManager struct {
	cfg      clientcredentials.Config
	http     *http.Client
	current  atomic.Pointer[oauth2.Token]
	group    singleflight.Group
	cache    redis.Cmdable
	cacheKey string
	now      func() time.Time
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
}

func newTokenManager(cfg clientcredentials.Config, httpClient *http.Client, cache redis.Cmdable) *tokenManager {
	return &tokenManager{
		cfg:      cfg,
		http:     httpClient,
		cache:    cache,
		cacheKey: "WalletToken:" + cfg.ClientID,
		now:      time.Now,
	}
}

func (m *tokenManager) valid(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return m.now().Add(tokenExpiryLeeway).Before(tok.Expiry)
}

// Token returns the current token, loading it from Redis or the auth endpoint when stale.
func (m *tokenManager) Token(ctx context.Context) (*oauth2.Token, error) {
	if tok := m.current.Load(); m.valid(tok) {
		return tok, nil
	}
	v, err, _ := m.group.Do("load", func() (interface{}, error) {
		if tok := m.current.Load(); m.valid(tok) {
			return tok, nil
		}
		if tok := m.readCache(ctx); m.valid(tok) {
			m.current.Store(tok)
			return tok, nil
		}
		return m.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// Refresh always fetches a new token from the auth endpoint.
func (m *tokenManager) Refresh(ctx context.Context) (*oauth2.Token, error) {
	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		return m.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// Invalidate drops the token after the custodian rejected it.
func (m *tokenManager) Invalidate(ctx context.Context, rejected *oauth2.Token) {
	if rejected == nil {
		return
	}
	if m.current.CompareAndSwap(rejected, nil) && m.cache != nil {
		_ = m.cache.Del(ctx, m.cacheKey).Err()
	}
}

func (m *tokenManager) fetch(ctx context.Context) (*oauth2.Token, error) {
	if m.http != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.http)
	}
	tok, err := m.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch wallet token: %w", err)
	}
	if tok.Expiry.IsZero() {
		if exp, ok := jwtExpiry(tok.AccessToken); ok {
			tok.Expiry = exp
		}
	}
	m.current.Store(tok)
	m.writeCache(ctx, tok)
	return tok, nil
}

func (m *tokenManager) readCache(ctx context.Context) *oauth2.Token {
	if m.cache == nil {
		return nil
	}
	raw, err := m.cache.Get(ctx, m.cacheKey).Bytes()
	if err != nil {
		return nil
	}
	var ct cachedToken
	if err := json.Unmarshal(raw, &ct); err != nil {
		return nil
	}
	return &oauth2.Token{AccessToken: ct.AccessToken, TokenType: ct.TokenType, Expiry: ct.Expiry}
}

func (m *tokenManager) writeCache(ctx context.Context, tok *oauth2.Token) {
	if m.cache == nil || tok == nil {
		return
	}
	ttl := time.Hour
	if !tok.Expiry.IsZero() {
		ttl = tok.Expiry.Sub(m.now()) - tokenExpiryLeeway
	}
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(cachedToken{AccessToken: tok.AccessToken, TokenType: tok.TokenType, Expiry: tok.Expiry})
	if err != nil {
		return
	}
	_ = m.cache.Set(ctx, m.cacheKey, b, ttl).Err()
}

// jwtExpiry reads the exp claim without verifying the signature; the custodian verifies it.
func jwtExpiry(accessToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0), true
	case json.Number:
		n, err := exp.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

var errNoCredentials = errors.New("wallet client credentials not configured")
