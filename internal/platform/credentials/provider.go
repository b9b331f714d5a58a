// Package credentials mints and caches the OAuth2 bearer tokens used by the
// FCM v1 protocol.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
)

// MessagingScope is the only scope requested for service-account tokens.
const MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"

// expiryMargin treats a token as expired slightly before the backend does.
const expiryMargin = 30 * time.Second

// ErrCredential wraps every failure to load a key or exchange it for a token.
var ErrCredential = errors.New("credential error")

// AccessToken is a bearer token and the instant it stops being usable.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// validAt reports whether the token may still be used at now.
func (t AccessToken) validAt(now time.Time) bool {
	return t.Value != "" && !t.ExpiresAt.IsZero() && now.Add(expiryMargin).Before(t.ExpiresAt)
}

// Provider exchanges a service-account key for access tokens and caches the
// result. It is safe for concurrent use; concurrent misses share one exchange.
type Provider struct {
	keyPath    string
	scopes     []string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	cached AccessToken
	flight singleflight.Group
}

// NewProvider creates a provider for the key at keyPath. httpClient must carry
// a request timeout; it is used for the token exchange.
func NewProvider(keyPath string, httpClient *http.Client, logger *slog.Logger) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Provider{
		keyPath:    keyPath,
		scopes:     []string{MessagingScope},
		httpClient: httpClient,
		logger:     logger.With("component", "CredentialProvider"),
		now:        time.Now,
	}
}

// AccessToken returns a cached token when one is still valid, otherwise it
// performs a single shared exchange.
func (p *Provider) AccessToken(ctx context.Context) (AccessToken, error) {
	if tok, ok := p.cachedToken(); ok {
		return tok, nil
	}

	// The exchange must outlive the first caller's cancellation, since other
	// callers may be waiting on it. The http client timeout bounds it.
	exchangeCtx := context.WithoutCancel(ctx)
	v, err, shared := p.flight.Do("token", func() (interface{}, error) {
		if tok, ok := p.cachedToken(); ok {
			return tok, nil
		}
		tok, err := p.exchange(exchangeCtx)
		if err != nil {
			return AccessToken{}, err
		}
		if tok.validAt(p.now()) {
			p.mu.Lock()
			p.cached = tok
			p.mu.Unlock()
		}
		return tok, nil
	})
	if err != nil {
		return AccessToken{}, err
	}
	if shared {
		p.logger.Debug("Access token shared with concurrent caller")
	}
	return v.(AccessToken), nil
}

// Invalidate drops the cached token, forcing the next call to re-exchange.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = AccessToken{}
	p.mu.Unlock()
}

func (p *Provider) cachedToken() (AccessToken, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached.validAt(p.now()) {
		return p.cached, true
	}
	return AccessToken{}, false
}

func (p *Provider) exchange(ctx context.Context) (AccessToken, error) {
	key, err := os.ReadFile(p.keyPath)
	if err != nil {
		p.logger.Error("Service account key unreadable", "path", p.keyPath, "err", err)
		return AccessToken{}, fmt.Errorf("%w: reading service account key: %v", ErrCredential, err)
	}

	jwtCfg, err := google.JWTConfigFromJSON(key, p.scopes...)
	if err != nil {
		p.logger.Error("Service account key malformed", "path", p.keyPath, "err", err)
		return AccessToken{}, fmt.Errorf("%w: parsing service account key: %v", ErrCredential, err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := jwtCfg.TokenSource(ctx).Token()
	if err != nil {
		p.logger.Error("Token exchange failed", "token_url", jwtCfg.TokenURL, "err", err)
		return AccessToken{}, fmt.Errorf("%w: token exchange: %v", ErrCredential, err)
	}
	if tok.AccessToken == "" {
		return AccessToken{}, fmt.Errorf("%w: token exchange returned no access_token", ErrCredential)
	}

	p.logger.Info("Access token fetched", "expires_at", tok.Expiry)
	return AccessToken{Value: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}
