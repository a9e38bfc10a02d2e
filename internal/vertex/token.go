package vertex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/httpclient"
	"github.com/oukeidos/novtl/internal/logger"
)

const (
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	Scope           = "https://www.googleapis.com/auth/cloud-platform"
	grantType       = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL    = time.Hour
	refreshSkew     = time.Minute
)

// ServiceAccount is the subset of a Google service-account key file used
// for the JWT bearer exchange.
type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccount decodes and validates a key file.
func ParseServiceAccount(data []byte) (ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return ServiceAccount{}, apperrors.New(apperrors.KindAuth, "Service account key is not valid JSON.", err)
	}
	if strings.TrimSpace(sa.ClientEmail) == "" || strings.TrimSpace(sa.PrivateKey) == "" {
		return ServiceAccount{}, apperrors.New(apperrors.KindAuth,
			"Service account key must contain client_email and private_key.", nil)
	}
	if sa.Type != "" && sa.Type != "service_account" {
		return ServiceAccount{}, apperrors.New(apperrors.KindAuth,
			fmt.Sprintf("Unsupported credential type %q; a service account key is required.", sa.Type), nil)
	}
	return sa, nil
}

// TokenSource exchanges signed assertions for access tokens and caches the
// result until it is close to expiry.
type TokenSource struct {
	sa       ServiceAccount
	tokenURL string
	client   *http.Client
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource returns a token source for sa. tokenURL overrides the
// key file's token_uri when set.
func NewTokenSource(sa ServiceAccount, tokenURL string, client *http.Client) *TokenSource {
	if tokenURL == "" {
		tokenURL = sa.TokenURI
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	if client == nil {
		client = httpclient.GetDefaultClient()
	}
	return &TokenSource{sa: sa, tokenURL: tokenURL, client: client, now: time.Now}
}

// Token returns a cached token or fetches a new one.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Add(refreshSkew).Before(s.expires) {
		return s.token, nil
	}
	tok, ttl, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.token = tok
	s.expires = s.now().Add(ttl)
	logger.Debug("Vertex access token obtained", "expires_in", ttl.String())
	return tok, nil
}

// SignAssertion builds the RS256 JWT presented to the token endpoint.
func (s *TokenSource) SignAssertion() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.sa.PrivateKey))
	if err != nil {
		return "", apperrors.New(apperrors.KindAuth, "Service account private key could not be parsed.", err)
	}
	now := s.now()
	claims := jwt.MapClaims{
		"iss":   s.sa.ClientEmail,
		"scope": Scope,
		"aud":   s.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.sa.PrivateKeyID != "" {
		token.Header["kid"] = s.sa.PrivateKeyID
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", apperrors.New(apperrors.KindAuth, "Failed to sign service account assertion.", err)
	}
	return signed, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (s *TokenSource) fetch(ctx context.Context) (string, time.Duration, error) {
	assertion, err := s.SignAssertion()
	if err != nil {
		return "", 0, err
	}
	form := url.Values{"grant_type": {grantType}, "assertion": {assertion}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, apperrors.New(apperrors.KindFatal, "Failed to build token request.", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, resp, err := httpclient.DoAndRead(s.client, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, apperrors.New(apperrors.KindCancelled, "Token request cancelled.", err)
		}
		return "", 0, apperrors.New(apperrors.KindNetwork, "Token request failed due to a network error.", err)
	}

	var tr tokenResponse
	decodeErr := json.Unmarshal(body, &tr)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := tr.ErrorDescription
		if reason == "" {
			reason = tr.Error
		}
		if reason == "" {
			reason = resp.Status
		}
		cause := fmt.Errorf("token endpoint status=%d: %s", resp.StatusCode, reason)
		if resp.StatusCode >= 500 {
			return "", 0, apperrors.New(apperrors.KindNetwork, "Token endpoint temporary error.", cause)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return "", 0, apperrors.New(apperrors.KindRateLimit, "Token endpoint rate limit exceeded.", cause)
		}
		return "", 0, apperrors.New(apperrors.KindAuth, "Failed to get access token: "+reason, cause)
	}
	if decodeErr != nil {
		return "", 0, apperrors.New(apperrors.KindMalformed, "Token endpoint returned invalid JSON.", decodeErr)
	}
	if tr.AccessToken == "" {
		return "", 0, apperrors.New(apperrors.KindAuth, "Token endpoint returned no access token.",
			errors.New(tr.Error))
	}
	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = assertionTTL
	}
	return tr.AccessToken, ttl, nil
}

// TestServiceAccount validates a key file by performing one token exchange.
func TestServiceAccount(ctx context.Context, keyJSON []byte, opts ...Option) (string, error) {
	sa, err := ParseServiceAccount(keyJSON)
	if err != nil {
		return "", err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	src := NewTokenSource(sa, o.tokenURL, o.client)
	if _, err := src.Token(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("Service account %s authenticated successfully.", sa.ClientEmail), nil
}
