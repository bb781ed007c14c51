package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/etagpay/checkout/internal/di"
	"github.com/etagpay/checkout/internal/gateways/cards"
	"github.com/etagpay/checkout/internal/gateways/orders"
	"github.com/etagpay/checkout/internal/handlers"
	"github.com/etagpay/checkout/internal/payments"
	"github.com/etagpay/checkout/internal/platform/auth"
	"github.com/etagpay/checkout/internal/platform/config"
	pfirestore "github.com/etagpay/checkout/internal/platform/firestore"
	"github.com/etagpay/checkout/internal/platform/idempotency"
	"github.com/etagpay/checkout/internal/platform/jobs"
	"github.com/etagpay/checkout/internal/platform/observability"
	"github.com/etagpay/checkout/internal/platform/secrets"
	"github.com/etagpay/checkout/internal/repositories"
	firestoreRepo "github.com/etagpay/checkout/internal/repositories/firestore"
	"github.com/etagpay/checkout/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("checkout")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	idemCtx, idemCancel := context.WithCancel(context.Background())
	var idemWG sync.WaitGroup
	var idemTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		idemTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		idemWG.Add(1)
		go func() {
			defer idemWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-idemTicker.C:
					runCtx, cancel := context.WithTimeout(idemCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-idemCtx.Done():
					return
				}
			}
		}()
	}

	ordersClient, err := orders.NewClient(orders.Config{
		BaseURL:     cfg.Gateways.Orders.BaseURL,
		APIKey:      cfg.Gateways.Orders.APIKey,
		CallTimeout: cfg.Gateways.Orders.CallTimeout,
		Logger:      zapEventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise orders gateway", zap.Error(err))
	}

	cardsClient, err := cards.NewClient(cards.Config{
		BaseURL:     cfg.Gateways.Cards.BaseURL,
		APIKey:      cfg.Gateways.Cards.APIKey,
		CallTimeout: cfg.Gateways.Cards.CallTimeout,
		Logger:      zapEventLogger(logger.Named("cards")),
	})
	if err != nil {
		logger.Fatal("failed to initialise cards gateway", zap.Error(err))
	}

	dispatcher, err := newPaymentDispatcher(cfg.Payments, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment dispatcher", zap.Error(err))
	}

	pubsubClient, err := newPubSubClient(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	cleanupTopic := pubsubClient.Topic(cfg.Cleanup.Topic)
	defer cleanupTopic.Stop()

	cleanupQueue, err := jobs.NewPubSubCleanupPublisher(cleanupTopic)
	if err != nil {
		logger.Fatal("failed to initialise cleanup publisher", zap.Error(err))
	}

	healthRepo, err := newHealthRepository(firestoreClient, fetcher)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repository registry", zap.Error(err))
	}

	container, err := di.NewContainer(cfg, registry, di.Gateways{
		Orders:   ordersClient,
		Cards:    cardsClient,
		Payments: dispatcher,
		Cleanup:  cleanupQueue,
	},
		di.WithBuildInfo(buildInfo),
		di.WithEventLogger(zapEventLogger(logger.Named("services"))),
	)
	if err != nil {
		logger.Fatal("failed to assemble service container", zap.Error(err))
	}
	checkoutService := container.Services.Checkout
	activationService := container.Services.Activation
	systemService := container.Services.System

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	sweepTicker := time.NewTicker(cfg.Session.SweepInterval)
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		sweepLogger := logger.Named("sweeper")
		for {
			select {
			case <-sweepTicker.C:
				runCtx, cancel := context.WithTimeout(sweepCtx, time.Minute)
				report, err := checkoutService.SweepExpired(runCtx, cfg.Session.SweepBatchSize)
				cancel()
				if err != nil {
					sweepLogger.Error("session sweep error", zap.Error(err))
					continue
				}
				if report.Deleted > 0 || report.Discarded > 0 || report.Queued > 0 {
					sweepLogger.Info("session sweep completed",
						zap.Int("scanned", report.Scanned),
						zap.Int("discarded", report.Discarded),
						zap.Int("queued", report.Queued),
						zap.Int("deleted", report.Deleted),
					)
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		handlers.OperatorMiddleware(),
		idempotencyMiddleware,
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)
	checkoutHandlers := handlers.NewCheckoutHandlers(checkoutService,
		handlers.WithOpenSessionRateLimit(30, time.Minute),
	)
	activationHandlers := handlers.NewActivationHandlers(activationService)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithInternalRoutes(activationHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("checkout api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepTicker.Stop()
	sweepCancel()
	sweepWG.Wait()

	if idemTicker != nil {
		idemTicker.Stop()
	}
	idemCancel()
	idemWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("event", zFields...)
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["CHECKOUT_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["CHECKOUT_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Server.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newPaymentDispatcher(cfg config.PaymentConfig, logger *zap.Logger) (*payments.Dispatcher, error) {
	eventLogger := zapEventLogger(logger)
	providers := make(map[payments.Method]payments.Provider)

	if strings.TrimSpace(cfg.Momo.PartnerCode) != "" {
		provider, err := payments.NewMomoProvider(payments.MomoConfig{
			Endpoint:    cfg.Momo.Endpoint,
			PartnerCode: cfg.Momo.PartnerCode,
			AccessKey:   cfg.Momo.AccessKey,
			SecretKey:   cfg.Momo.SecretKey,
			Logger:      eventLogger,
		})
		if err != nil {
			return nil, err
		}
		providers[payments.MethodMomo] = provider
	}
	if strings.TrimSpace(cfg.VnPay.TMNCode) != "" {
		provider, err := payments.NewVnPayProvider(payments.VnPayConfig{
			Endpoint:   cfg.VnPay.Endpoint,
			TmnCode:    cfg.VnPay.TMNCode,
			HashSecret: cfg.VnPay.HashSecret,
			Logger:     eventLogger,
		})
		if err != nil {
			return nil, err
		}
		providers[payments.MethodVnPay] = provider
	}
	if strings.TrimSpace(cfg.PayOS.ClientID) != "" {
		provider, err := payments.NewPayOSProvider(payments.PayOSConfig{
			Endpoint:    cfg.PayOS.Endpoint,
			ClientID:    cfg.PayOS.ClientID,
			APIKey:      cfg.PayOS.APIKey,
			ChecksumKey: cfg.PayOS.ChecksumKey,
			Logger:      eventLogger,
		})
		if err != nil {
			return nil, err
		}
		providers[payments.MethodPayOS] = provider
	}
	if strings.TrimSpace(cfg.ZaloPay.AppID) != "" {
		provider, err := payments.NewZaloPayProvider(payments.ZaloPayConfig{
			Endpoint: cfg.ZaloPay.Endpoint,
			AppID:    cfg.ZaloPay.AppID,
			Key:      cfg.ZaloPay.Key1,
			Logger:   eventLogger,
		})
		if err != nil {
			return nil, err
		}
		providers[payments.MethodZaloPay] = provider
	}

	if len(providers) == 0 {
		return nil, errors.New("at least one online payment gateway must be configured")
	}
	return payments.NewDispatcher(providers)
}

func newPubSubClient(ctx context.Context, cfg config.Config) (*pubsub.Client, error) {
	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.Firestore.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	return pubsub.NewClient(ctx, cfg.Cleanup.ProjectID, opts...)
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok {
					switch st.Code() {
					case codes.NotFound:
						return nil
					}
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	oidc := cfg.Security.InternalOIDC
	if strings.TrimSpace(oidc.JWKSURL) == "" {
		return nil
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	keys := auth.NewKeySet(oidc.JWKSURL, auth.WithKeySetLogger(adapter))
	verifier := auth.NewVerifier(keys, auth.WithVerifierLogger(adapter))

	audience := strings.TrimSpace(oidc.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	if len(oidc.Issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return verifier.Middleware(audience, oidc.Issuers)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("CHECKOUT_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("CHECKOUT_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("CHECKOUT_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("CHECKOUT_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("CHECKOUT_FIRESTORE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := secretProjectMapFromEnv(env); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["CHECKOUT_SECRET_PROJECT_IDS"]
	}
	raw = strings.TrimSpace(raw)
	projects := make(map[string]string)
	if raw == "" {
		return projects
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envLabel := strings.ToLower(strings.TrimSpace(parts[0]))
		project := strings.TrimSpace(parts[1])
		if envLabel == "" || project == "" {
			continue
		}
		projects[envLabel] = project
	}
	return projects
}

// requiredSecretNames lists the secrets Load must resolve. A payment gateway's
// credentials only become mandatory once its merchant identifier is set.
func requiredSecretNames(env map[string]string) []string {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	required := []string{
		"Gateways.Orders.APIKey",
		"Gateways.Cards.APIKey",
	}
	if lookup("CHECKOUT_MOMO_PARTNER_CODE") != "" {
		required = append(required, "Payments.Momo.AccessKey", "Payments.Momo.SecretKey")
	}
	if lookup("CHECKOUT_VNPAY_TMN_CODE") != "" {
		required = append(required, "Payments.VnPay.HashSecret")
	}
	if lookup("CHECKOUT_PAYOS_CLIENT_ID") != "" {
		required = append(required, "Payments.PayOS.APIKey", "Payments.PayOS.ChecksumKey")
	}
	if lookup("CHECKOUT_ZALOPAY_APP_ID") != "" {
		required = append(required, "Payments.ZaloPay.Key1")
	}

	sort.Strings(required)
	return required
}
