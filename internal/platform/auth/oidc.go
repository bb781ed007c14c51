// Package auth verifies Google-signed OIDC identity tokens on
// service-to-service calls. Signing keys come from the issuer's JWKS
// endpoint and stay cached until the response's cache headers expire.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrKeyNotFound marks a token whose kid is absent from the key set
	// even after a forced refresh.
	ErrKeyNotFound = errors.New("auth: signing key not found")
	// ErrKeySetUnavailable wraps transport and decoding failures while
	// fetching the JWKS document.
	ErrKeySetUnavailable = errors.New("auth: jwks unavailable")
)

// Logger is the minimal logging contract used by this package.
type Logger interface {
	Printf(format string, args ...any)
}

const (
	defaultKeyTTL       = 15 * time.Minute
	defaultFetchTimeout = 5 * time.Second
)

// KeySet caches the public keys published at a JWKS endpoint. Lookups
// refresh the set when it is empty or past its TTL, and a background
// refresh fires once the set crosses half its lifetime so hot paths
// rarely wait on the network.
type KeySet struct {
	endpoint     string
	client       *http.Client
	logger       Logger
	clock        func() time.Time
	fallbackTTL  time.Duration
	fetchTimeout time.Duration
	prefetch     bool

	mu        sync.RWMutex
	byID      map[string]any
	staleAt   time.Time
	refreshAt time.Time

	fetchMu  sync.Mutex
	inflight atomic.Bool
}

// KeySetOption customises a KeySet.
type KeySetOption func(*KeySet)

// NewKeySet builds a key set backed by the given JWKS endpoint.
func NewKeySet(endpoint string, opts ...KeySetOption) *KeySet {
	s := &KeySet{
		endpoint:     endpoint,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       log.Default(),
		clock:        time.Now,
		fallbackTTL:  defaultKeyTTL,
		fetchTimeout: defaultFetchTimeout,
		prefetch:     true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// WithKeySetHTTPClient overrides the HTTP client used for JWKS fetches.
func WithKeySetHTTPClient(client *http.Client) KeySetOption {
	return func(s *KeySet) {
		if client != nil {
			s.client = client
		}
	}
}

// WithKeySetLogger overrides the key set logger.
func WithKeySetLogger(logger Logger) KeySetOption {
	return func(s *KeySet) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithKeySetTTL sets the lifetime used when the JWKS response carries
// no usable cache headers.
func WithKeySetTTL(ttl time.Duration) KeySetOption {
	return func(s *KeySet) {
		if ttl > 0 {
			s.fallbackTTL = ttl
		}
	}
}

// WithKeySetFetchTimeout bounds a single JWKS fetch.
func WithKeySetFetchTimeout(timeout time.Duration) KeySetOption {
	return func(s *KeySet) {
		if timeout > 0 {
			s.fetchTimeout = timeout
		}
	}
}

// WithKeySetClock injects a time source for tests.
func WithKeySetClock(clock func() time.Time) KeySetOption {
	return func(s *KeySet) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithoutKeySetPrefetch disables the half-life background refresh.
func WithoutKeySetPrefetch() KeySetOption {
	return func(s *KeySet) {
		s.prefetch = false
	}
}

func (s *KeySet) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Method)
		}
		return s.lookup(ctx, kid)
	}
}

func (s *KeySet) lookup(ctx context.Context, kid string) (any, error) {
	now := s.clock()

	s.mu.RLock()
	key, hit := s.byID[kid]
	empty := len(s.byID) == 0
	stale := !s.staleAt.IsZero() && !now.Before(s.staleAt)
	due := s.prefetch && !s.refreshAt.IsZero() && !now.Before(s.refreshAt)
	s.mu.RUnlock()

	if empty || stale {
		if err := s.fetch(ctx); err != nil {
			return nil, err
		}
		s.mu.RLock()
		key, hit = s.byID[kid]
		s.mu.RUnlock()
	} else if hit && due {
		s.refreshAsync()
	}

	if hit {
		return key, nil
	}

	// Unknown kid on a fresh set usually means key rotation; retry once.
	if err := s.fetch(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	key, hit = s.byID[kid]
	s.mu.RUnlock()
	if hit {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

func (s *KeySet) refreshAsync() {
	if !s.inflight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.inflight.Store(false)
		if err := s.fetch(context.Background()); err != nil && s.logger != nil {
			s.logger.Printf("auth: background jwks refresh failed: %v", err)
		}
	}()
}

func (s *KeySet) fetch(ctx context.Context) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrKeySetUnavailable, resp.StatusCode)
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrKeySetUnavailable, err)
	}

	byID := make(map[string]any, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.KeyID == "" || !jwk.Valid() {
			continue
		}
		byID[jwk.KeyID] = jwk.Key
	}
	if len(byID) == 0 {
		return fmt.Errorf("%w: empty key set", ErrKeySetUnavailable)
	}

	ttl := s.fallbackTTL
	if maxAge := maxAgeSeconds(resp.Header.Get("Cache-Control")); maxAge > 0 {
		ttl = maxAge
	}

	now := s.clock()
	s.mu.Lock()
	s.byID = byID
	s.staleAt = now.Add(ttl)
	s.refreshAt = now.Add(ttl / 2)
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Printf("auth: jwks refreshed (%d keys, ttl %s)", len(byID), ttl)
	}
	return nil
}

func maxAgeSeconds(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		value, found := strings.CutPrefix(directive, "max-age=")
		if !found {
			continue
		}
		seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// ServiceIdentity describes the verified service principal behind an
// internal request.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
	Claims   map[string]any
}

type identityContextKey struct{}

// WithServiceIdentity stores the verified identity on the context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// ServiceIdentityFromContext returns the identity set by the middleware.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// Verifier validates OIDC bearer tokens against a KeySet.
type Verifier struct {
	keys   *KeySet
	logger Logger
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// NewVerifier builds a Verifier on top of the given key set.
func NewVerifier(keys *KeySet, opts ...VerifierOption) *Verifier {
	v := &Verifier{keys: keys, logger: log.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithVerifierLogger overrides the verifier logger.
func WithVerifierLogger(logger Logger) VerifierOption {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// Middleware rejects requests that do not carry a valid OIDC token for
// the given audience, signed by one of the allowed issuers. An empty
// issuer list accepts any issuer the key set can verify.
func (v *Verifier) Middleware(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowed := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowed[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if audience == "" || v == nil || v.keys == nil {
				writeDenied(w, http.StatusServiceUnavailable, "verification_unavailable", "token verification not configured")
				return
			}

			raw := bearerToken(r)
			if raw == "" {
				writeDenied(w, http.StatusUnauthorized, "unauthenticated", "bearer token missing")
				return
			}

			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, v.keys.keyfunc(ctx)); err != nil {
				if errors.Is(err, ErrKeySetUnavailable) {
					writeDenied(w, http.StatusServiceUnavailable, "verification_unavailable", "signing keys unavailable")
					return
				}
				if v.logger != nil {
					v.logger.Printf("auth: token rejected: %v", err)
				}
				writeDenied(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(allowed) > 0 {
				if _, ok := allowed[issuer]; !ok {
					writeDenied(w, http.StatusUnauthorized, "invalid_token", "issuer not allowed")
					return
				}
			}

			if !claimsHaveAudience(claims, audience) {
				writeDenied(w, http.StatusUnauthorized, "invalid_token", "audience mismatch")
				return
			}

			subject, _ := claims["sub"].(string)
			email, _ := claims["email"].(string)
			identity := &ServiceIdentity{
				Subject:  subject,
				Email:    email,
				Issuer:   issuer,
				Audience: audience,
				Claims:   map[string]any(claims),
			}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if token, found := strings.CutPrefix(authz, "Bearer "); found {
		return strings.TrimSpace(token)
	}
	// Cloud IAP forwards the assertion in its own header.
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}

func claimsHaveAudience(claims jwt.MapClaims, want string) bool {
	switch aud := claims["aud"].(type) {
	case string:
		return strings.TrimSpace(aud) == want
	case []string:
		for _, item := range aud {
			if strings.TrimSpace(item) == want {
				return true
			}
		}
	case []any:
		for _, item := range aud {
			if str, ok := item.(string); ok && strings.TrimSpace(str) == want {
				return true
			}
		}
	}
	return false
}

func writeDenied(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
