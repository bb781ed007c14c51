package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile            = ".env"
	defaultPort               = "8080"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultIdleTimeout        = 120 * time.Second
	defaultEnvironment        = "local"
	defaultGatewayCallTimeout = 10 * time.Second
	defaultSessionTTL         = 24 * time.Hour
	defaultSessionSweepEvery  = time.Hour
	defaultSessionSweepBatch  = 50
	defaultCleanupTopic       = "order-discard"

	defaultIdempotencyHeader       = "Idempotency-Key"
	defaultIdempotencyTTL          = 24 * time.Hour
	defaultIdempotencyCleanupEvery = time.Hour
	defaultIdempotencyCleanupBatch = 100

	defaultMomoEndpoint    = "https://payment.momo.vn/v2/gateway/api/create"
	defaultVnPayEndpoint   = "https://pay.vnpay.vn/api/create"
	defaultPayOSEndpoint   = "https://api-merchant.payos.vn/v2/payment-requests"
	defaultZaloPayEndpoint = "https://openapi.zalopay.vn/v2/create"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firestore   FirestoreConfig
	Gateways    GatewayConfig
	Payments    PaymentConfig
	Session     SessionConfig
	Cleanup     CleanupConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// IdempotencyConfig controls replay protection on mutating checkout endpoints.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecurityConfig groups authentication settings for protected route groups.
type SecurityConfig struct {
	InternalOIDC OIDCConfig
}

// OIDCConfig configures token validation for internal service-to-service calls.
// Internal routes stay unauthenticated when the JWKS URL is empty.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID       string
	EmulatorHost    string
	CredentialsFile string
}

// GatewayConfig groups the upstream HTTP backends the checkout flow talks to.
type GatewayConfig struct {
	Orders BackendConfig
	Cards  BackendConfig
}

// BackendConfig describes one upstream HTTP backend.
type BackendConfig struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
}

// PaymentConfig collects credentials for the online payment gateways.
type PaymentConfig struct {
	Momo    MomoConfig
	VnPay   VnPayConfig
	PayOS   PayOSConfig
	ZaloPay ZaloPayConfig
}

// MomoConfig holds MoMo merchant credentials.
type MomoConfig struct {
	Endpoint    string
	PartnerCode string
	AccessKey   string
	SecretKey   string
}

// VnPayConfig holds VNPay merchant credentials.
type VnPayConfig struct {
	Endpoint   string
	TMNCode    string
	HashSecret string
}

// PayOSConfig holds PayOS merchant credentials.
type PayOSConfig struct {
	Endpoint    string
	ClientID    string
	APIKey      string
	ChecksumKey string
}

// ZaloPayConfig holds ZaloPay merchant credentials.
type ZaloPayConfig struct {
	Endpoint string
	AppID    string
	Key1     string
}

// SessionConfig controls checkout session retention and sweeping.
type SessionConfig struct {
	TTL            time.Duration
	SweepInterval  time.Duration
	SweepBatchSize int
}

// CleanupConfig names the Pub/Sub destination for deferred order discards.
type CleanupConfig struct {
	ProjectID string
	Topic     string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	redacted := e.RedactedNames()
	if len(redacted) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(redacted, ", "))
}

// RedactedNames returns the redacted secret identifiers, sorted.
func (e *MissingSecretsError) RedactedNames() []string {
	return e.collect(func(s missingSecret) string { return s.redacted })
}

// Names returns the underlying secret identifiers, sorted.
func (e *MissingSecretsError) Names() []string {
	return e.collect(func(s missingSecret) string { return s.name })
}

func (e *MissingSecretsError) collect(pick func(missingSecret) string) []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, pick(secret))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers match the config field names recorded by the loader
// (e.g. "Payments.Momo.SecretKey" or "Gateways.Orders.APIKey").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

func applyOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// envSource layers the three environment inputs. Lookup precedence is
// explicit map, then system env, then .env file.
type envSource struct {
	explicit map[string]string
	system   bool
	dotenv   map[string]string
}

func newEnvSource(options loaderOptions) (envSource, error) {
	dotenv, err := readDotEnv(options.envFile)
	if err != nil {
		return envSource{}, err
	}
	return envSource{
		explicit: options.envMap,
		system:   options.useSystemEnv,
		dotenv:   dotenv,
	}, nil
}

func (s envSource) lookup(key string) (string, bool) {
	if value, ok := s.explicit[key]; ok {
		return value, true
	}
	if s.system {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := s.dotenv[key]
	return value, ok
}

func (s envSource) str(key, fallback string) string {
	if value, ok := s.lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func (s envSource) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := s.lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (s envSource) integer(key string, fallback int) int {
	if value, ok := s.lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func (s envSource) list(key string) []string {
	raw, ok := s.lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

// EnvironmentValues returns the effective key/value environment map after applying the same
// precedence rules as Load. Callers can use the result to initialise dependencies before
// invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	source, err := newEnvSource(applyOptions(opts))
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for key, value := range source.dotenv {
		values[key] = value
	}
	if source.system {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range source.explicit {
		values[key] = value
	}
	return values, nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := applyOptions(opts)
	if options.secret == nil {
		options.secret = SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		})
	}

	env, err := newEnvSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("CHECKOUT_SERVER_PORT", defaultPort),
			Environment:  strings.ToLower(env.str("CHECKOUT_ENVIRONMENT", defaultEnvironment)),
			ReadTimeout:  env.duration("CHECKOUT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("CHECKOUT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("CHECKOUT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:       env.str("CHECKOUT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost:    env.str("CHECKOUT_FIRESTORE_EMULATOR_HOST", ""),
			CredentialsFile: env.str("CHECKOUT_FIRESTORE_CREDENTIALS_FILE", ""),
		},
		Gateways: GatewayConfig{
			Orders: BackendConfig{
				BaseURL:     env.str("CHECKOUT_ORDERS_BASE_URL", ""),
				APIKey:      env.str("CHECKOUT_ORDERS_API_KEY", ""),
				CallTimeout: env.duration("CHECKOUT_ORDERS_TIMEOUT", defaultGatewayCallTimeout),
			},
			Cards: BackendConfig{
				BaseURL:     env.str("CHECKOUT_CARDS_BASE_URL", ""),
				APIKey:      env.str("CHECKOUT_CARDS_API_KEY", ""),
				CallTimeout: env.duration("CHECKOUT_CARDS_TIMEOUT", defaultGatewayCallTimeout),
			},
		},
		Payments: PaymentConfig{
			Momo: MomoConfig{
				Endpoint:    env.str("CHECKOUT_MOMO_ENDPOINT", defaultMomoEndpoint),
				PartnerCode: env.str("CHECKOUT_MOMO_PARTNER_CODE", ""),
				AccessKey:   env.str("CHECKOUT_MOMO_ACCESS_KEY", ""),
				SecretKey:   env.str("CHECKOUT_MOMO_SECRET_KEY", ""),
			},
			VnPay: VnPayConfig{
				Endpoint:   env.str("CHECKOUT_VNPAY_ENDPOINT", defaultVnPayEndpoint),
				TMNCode:    env.str("CHECKOUT_VNPAY_TMN_CODE", ""),
				HashSecret: env.str("CHECKOUT_VNPAY_HASH_SECRET", ""),
			},
			PayOS: PayOSConfig{
				Endpoint:    env.str("CHECKOUT_PAYOS_ENDPOINT", defaultPayOSEndpoint),
				ClientID:    env.str("CHECKOUT_PAYOS_CLIENT_ID", ""),
				APIKey:      env.str("CHECKOUT_PAYOS_API_KEY", ""),
				ChecksumKey: env.str("CHECKOUT_PAYOS_CHECKSUM_KEY", ""),
			},
			ZaloPay: ZaloPayConfig{
				Endpoint: env.str("CHECKOUT_ZALOPAY_ENDPOINT", defaultZaloPayEndpoint),
				AppID:    env.str("CHECKOUT_ZALOPAY_APP_ID", ""),
				Key1:     env.str("CHECKOUT_ZALOPAY_KEY1", ""),
			},
		},
		Session: SessionConfig{
			TTL:            env.duration("CHECKOUT_SESSION_TTL", defaultSessionTTL),
			SweepInterval:  env.duration("CHECKOUT_SESSION_SWEEP_INTERVAL", defaultSessionSweepEvery),
			SweepBatchSize: env.integer("CHECKOUT_SESSION_SWEEP_BATCH", defaultSessionSweepBatch),
		},
		Cleanup: CleanupConfig{
			ProjectID: env.str("CHECKOUT_CLEANUP_PROJECT_ID", ""),
			Topic:     env.str("CHECKOUT_CLEANUP_TOPIC", defaultCleanupTopic),
		},
		Security: SecurityConfig{
			InternalOIDC: OIDCConfig{
				JWKSURL:  env.str("CHECKOUT_INTERNAL_OIDC_JWKS_URL", ""),
				Audience: env.str("CHECKOUT_INTERNAL_OIDC_AUDIENCE", ""),
				Issuers:  env.list("CHECKOUT_INTERNAL_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("CHECKOUT_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("CHECKOUT_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("CHECKOUT_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyCleanupEvery),
			CleanupBatchSize: env.integer("CHECKOUT_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyCleanupBatch),
		},
	}

	// Cleanup publishing shares the Firestore project unless overridden.
	if cfg.Cleanup.ProjectID == "" {
		cfg.Cleanup.ProjectID = cfg.Firestore.ProjectID
	}

	binder := secretBinder{ctx: ctx, resolver: options.secret, resolved: map[string]string{}}
	for _, target := range []struct {
		name  string
		field *string
	}{
		{"Gateways.Orders.APIKey", &cfg.Gateways.Orders.APIKey},
		{"Gateways.Cards.APIKey", &cfg.Gateways.Cards.APIKey},
		{"Payments.Momo.AccessKey", &cfg.Payments.Momo.AccessKey},
		{"Payments.Momo.SecretKey", &cfg.Payments.Momo.SecretKey},
		{"Payments.VnPay.HashSecret", &cfg.Payments.VnPay.HashSecret},
		{"Payments.PayOS.APIKey", &cfg.Payments.PayOS.APIKey},
		{"Payments.PayOS.ChecksumKey", &cfg.Payments.PayOS.ChecksumKey},
		{"Payments.ZaloPay.Key1", &cfg.Payments.ZaloPay.Key1},
	} {
		if err := binder.bind(target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := binder.missing(options.requiredSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

// secretBinder resolves secret:// references in place and remembers
// which named fields ended up with a value.
type secretBinder struct {
	ctx      context.Context
	resolver SecretResolver
	resolved map[string]string
}

func (b *secretBinder) bind(name string, field *string) error {
	value := *field
	if ref, ok := secretReference(value); ok {
		if b.resolver == nil {
			return &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}
		secret, err := b.resolver.ResolveSecret(b.ctx, ref)
		if err != nil {
			return &SecretError{Ref: ref, Err: err}
		}
		value = secret
		*field = secret
	}
	b.resolved[name] = strings.TrimSpace(value)
	return nil
}

func (b *secretBinder) missing(required []string) *MissingSecretsError {
	seen := make(map[string]struct{}, len(required))
	var missing []missingSecret
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if b.resolved[name] != "" {
			continue
		}
		missing = append(missing, missingSecret{name: name, redacted: redactSecretName(name)})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

// secretReference reports whether value is a secret reference and
// returns it in canonical secret:// form.
func secretReference(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	switch {
	case strings.HasPrefix(trimmed, "secret://"):
		return trimmed, true
	case strings.HasPrefix(trimmed, "sm://"):
		return "secret://" + strings.TrimPrefix(trimmed, "sm://"), true
	}
	return "", false
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func validateConfig(cfg Config) error {
	var missing []string
	for _, check := range []struct {
		name string
		ok   bool
	}{
		{"Server.Port", cfg.Server.Port != ""},
		{"Firestore.ProjectID", cfg.Firestore.ProjectID != ""},
		{"Gateways.Orders.BaseURL", cfg.Gateways.Orders.BaseURL != ""},
		{"Gateways.Cards.BaseURL", cfg.Gateways.Cards.BaseURL != ""},
		{"Session.TTL", cfg.Session.TTL > 0},
		{"Session.SweepInterval", cfg.Session.SweepInterval > 0},
		{"Session.SweepBatchSize", cfg.Session.SweepBatchSize > 0},
	} {
		if !check.ok {
			missing = append(missing, check.name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := parseDotEnvLine(scanner.Text())
		if ok {
			values[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func parseDotEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, value, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	return key, strings.Trim(strings.TrimSpace(value), "\"'"), true
}
