// Command coordinator starts the CourseCast live session coordinator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"coursecast-live/internal/api"
	"coursecast-live/internal/auth"
	"coursecast-live/internal/entitlement"
	"coursecast-live/internal/hub"
	"coursecast-live/internal/observability/logging"
	"coursecast-live/internal/observability/metrics"
	"coursecast-live/internal/recording"
	"coursecast-live/internal/serverutil"
	"coursecast-live/internal/store"
	"coursecast-live/internal/token"
	"coursecast-live/internal/webhook"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "runtime mode (development or production)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	storageDriver := flag.String("storage-driver", "", "datastore driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	sessionStoreDriver := flag.String("session-store", "", "auth session store driver (memory or postgres)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the auth session store")
	sessionTTL := flag.Duration("session-ttl", 0, "idle TTL for auth sessions")
	providerURL := flag.String("provider-url", "", "public media provider URL handed to clients")
	providerAPIKey := flag.String("provider-api-key", "", "media provider API key used as token issuer")
	providerAPISecret := flag.String("provider-api-secret", "", "media provider shared signing secret")
	egressURL := flag.String("egress-url", "", "media provider egress REST base URL")
	egressToken := flag.String("egress-token", "", "bearer token for egress REST calls")
	mediaWebhookSecret := flag.String("media-webhook-secret", "", "HMAC secret for media provider webhooks")
	billingWebhookSecret := flag.String("billing-webhook-secret", "", "HMAC secret for billing provider webhooks")
	billingURL := flag.String("billing-url", "", "billing provider REST base URL for reconciliation scans")
	billingAPIKey := flag.String("billing-api-key", "", "billing provider API key")
	reconcileInterval := flag.Duration("billing-reconcile-interval", 0, "interval between billing reconciliation scans")
	entitlementBackend := flag.String("entitlement-backend", "", "entitlement projection backend (memory or redis)")
	entitlementRedisAddr := flag.String("entitlement-redis-addr", "", "Redis address for the entitlement projection")
	entitlementRedisAddrs := flag.String("entitlement-redis-addrs", "", "comma separated Redis addresses for the entitlement projection")
	entitlementRedisUsername := flag.String("entitlement-redis-username", "", "Redis username for the entitlement projection")
	entitlementRedisPassword := flag.String("entitlement-redis-password", "", "Redis password for the entitlement projection")
	entitlementRedisMaster := flag.String("entitlement-redis-master", "", "Redis sentinel master name for the entitlement projection")
	entitlementRedisPoolSize := flag.Int("entitlement-redis-pool-size", 0, "maximum Redis connections for the entitlement projection")
	broadcasterGrace := flag.Duration("broadcaster-grace", 0, "grace window before a disconnected broadcaster ends the session")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("COURSECAST_LIVE_LOG_LEVEL"))})

	serverMode := modeValue(*mode, os.Getenv("COURSECAST_LIVE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("COURSECAST_LIVE_ADDR"))

	publicProviderURL := firstNonEmpty(*providerURL, os.Getenv("COURSECAST_LIVE_PROVIDER_URL"))
	apiKey := firstNonEmpty(*providerAPIKey, os.Getenv("COURSECAST_LIVE_PROVIDER_API_KEY"))
	apiSecret := firstNonEmpty(*providerAPISecret, os.Getenv("COURSECAST_LIVE_PROVIDER_API_SECRET"))
	if publicProviderURL == "" || apiKey == "" || apiSecret == "" {
		logger.Error("media provider configuration incomplete",
			"provider_url_set", publicProviderURL != "",
			"api_key_set", apiKey != "",
			"api_secret_set", apiSecret != "")
		os.Exit(1)
	}
	minter, err := token.NewMinter(apiKey, apiSecret)
	if err != nil {
		logger.Error("failed to configure token minter", "error", err)
		os.Exit(1)
	}

	mediaSecret := firstNonEmpty(*mediaWebhookSecret, os.Getenv("COURSECAST_LIVE_MEDIA_WEBHOOK_SECRET"))
	billingSecret := firstNonEmpty(*billingWebhookSecret, os.Getenv("COURSECAST_LIVE_BILLING_WEBHOOK_SECRET"))
	if mediaSecret == "" || billingSecret == "" {
		logger.Error("webhook signing secrets are required",
			"media_secret_set", mediaSecret != "",
			"billing_secret_set", billingSecret != "")
		os.Exit(1)
	}

	egressBase := firstNonEmpty(*egressURL, os.Getenv("COURSECAST_LIVE_EGRESS_URL"))
	if egressBase == "" {
		logger.Error("egress REST base URL is required for recording control")
		os.Exit(1)
	}
	provider, err := recording.NewHTTPProvider(recording.ProviderConfig{
		BaseURL: egressBase,
		Token:   firstNonEmpty(*egressToken, os.Getenv("COURSECAST_LIVE_EGRESS_TOKEN"), apiSecret),
	})
	if err != nil {
		logger.Error("failed to configure egress client", "error", err)
		os.Exit(1)
	}

	repo, repoCloser, err := openRepository(serverMode, *storageDriver, *postgresDSN, logger)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	sessionStore, sessionCloser, err := openSessionStore(*sessionStoreDriver, *sessionPostgresDSN, *postgresDSN)
	if err != nil {
		logger.Error("failed to open auth session store", "error", err)
		os.Exit(1)
	}
	ttl := resolveDuration(*sessionTTL, "COURSECAST_LIVE_SESSION_TTL", 24*time.Hour)
	sessions := auth.NewSessionManager(ttl, auth.WithStore(sessionStore))

	projection, projectionCloser, err := openProjection(
		*entitlementBackend,
		entitlement.RedisConfig{
			Addr:       firstNonEmpty(*entitlementRedisAddr, os.Getenv("COURSECAST_LIVE_ENTITLEMENT_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*entitlementRedisAddrs, os.Getenv("COURSECAST_LIVE_ENTITLEMENT_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*entitlementRedisUsername, os.Getenv("COURSECAST_LIVE_ENTITLEMENT_REDIS_USERNAME")),
			Password:   firstNonEmpty(*entitlementRedisPassword, os.Getenv("COURSECAST_LIVE_ENTITLEMENT_REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*entitlementRedisMaster, os.Getenv("COURSECAST_LIVE_ENTITLEMENT_REDIS_MASTER")),
			PoolSize:   resolveInt(*entitlementRedisPoolSize, "COURSECAST_LIVE_ENTITLEMENT_REDIS_POOL_SIZE"),
		},
	)
	if err != nil {
		logger.Error("failed to configure entitlement projection", "error", err)
		os.Exit(1)
	}
	oracle := entitlement.NewOracle(projection, logging.WithComponent(logger, "entitlement"))

	// The hub and the controller notify each other; the proxy breaks the
	// construction cycle.
	announcer := &announcerProxy{}
	controller := recording.NewController(recording.Config{
		Store:     repo,
		Provider:  provider,
		Announcer: announcer,
		Logger:    logging.WithComponent(logger, "recording"),
	})

	signalHub := hub.New(hub.Config{
		Sessions:   repo,
		Identities: &api.SessionIdentifier{Users: repo, Sessions: sessions},
		Recorder:   controller,
		Tokens:     publisherTokens{minter: minter},
		Logger:     logging.WithComponent(logger, "hub"),
		Grace:      resolveDuration(*broadcasterGrace, "COURSECAST_LIVE_BROADCASTER_GRACE", 0),
	})
	announcer.Set(signalHub)

	handler := api.NewHandler(repo, sessions)
	handler.Minter = minter
	handler.Oracle = oracle
	handler.Hub = signalHub
	handler.Recorder = controller
	handler.ProviderURL = publicProviderURL

	hooks := webhook.NewHandler(webhook.Config{
		Store:         repo,
		Oracle:        oracle,
		Notifier:      signalHub,
		Watchdogs:     controller,
		MediaSecret:   []byte(mediaSecret),
		BillingSecret: []byte(billingSecret),
		Logger:        logging.WithComponent(logger, "webhook"),
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	purgeStop := startSessionPurgeWorker(workerCtx, logging.WithComponent(logger, "session-purger"), sessions, 15*time.Minute)
	defer purgeStop()

	reconcilerStop := func() {}
	billingBase := firstNonEmpty(*billingURL, os.Getenv("COURSECAST_LIVE_BILLING_URL"))
	if billingBase != "" {
		client, err := entitlement.NewHTTPBillingClient(entitlement.BillingClientConfig{
			BaseURL: billingBase,
			APIKey:  firstNonEmpty(*billingAPIKey, os.Getenv("COURSECAST_LIVE_BILLING_API_KEY")),
		})
		if err != nil {
			logger.Error("failed to configure billing client", "error", err)
			os.Exit(1)
		}
		interval := resolveDuration(*reconcileInterval, "COURSECAST_LIVE_BILLING_RECONCILE_INTERVAL", 5*time.Minute)
		reconcilerStop = entitlement.StartReconciler(
			workerCtx,
			logging.WithComponent(logger, "billing-reconciler"),
			billingCustomers{repo: repo},
			client,
			oracle,
			interval,
		)
	}
	defer reconcilerStop()

	mux := newMux(handler, signalHub, hooks)
	root := logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logging.WithComponent(logger, "http"),
	})(metrics.HTTPMiddleware(metrics.Default(), mux))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	logger.Info("coordinator listening", "addr", listenAddr, "mode", serverMode)
	runErr := serverutil.Run(runCtx, serverutil.Config{
		Server: server,
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("COURSECAST_LIVE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("COURSECAST_LIVE_TLS_KEY")),
		},
	})
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}

	workerCancel()
	purgeStop()
	reconcilerStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := signalHub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to drain signaling hub", "error", err)
	}
	controller.Close()

	if projectionCloser != nil {
		if err := projectionCloser(); err != nil {
			logger.Warn("failed to close entitlement projection", "error", err)
		}
	}
	if sessionCloser != nil {
		if err := sessionCloser(shutdownCtx); err != nil {
			logger.Warn("failed to close auth session store", "error", err)
		}
	}
	if repoCloser != nil {
		if err := repoCloser(shutdownCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	logger.Info("coordinator stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

// billingCustomers adapts the repository into the reconciler's customer
// listing.
type billingCustomers struct {
	repo store.Repository
}

func (b billingCustomers) BillingCustomers() []entitlement.Customer {
	users := b.repo.ListUsers()
	customers := make([]entitlement.Customer, 0, len(users))
	for _, user := range users {
		if user.CustomerRef == "" {
			continue
		}
		customers = append(customers, entitlement.Customer{UserID: user.ID, CustomerRef: user.CustomerRef})
	}
	return customers
}

func openRepository(serverMode, flagDriver, flagDSN string, logger *slog.Logger) (store.Repository, func(context.Context) error, error) {
	dsn := strings.TrimSpace(firstNonEmpty(flagDSN, os.Getenv("COURSECAST_LIVE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("COURSECAST_LIVE_STORAGE_DRIVER")))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		if serverMode == "production" {
			return nil, nil, fmt.Errorf("production mode requires the postgres datastore")
		}
		logger.Warn("using in-memory datastore; sessions will not survive restarts")
		return store.NewMemory(), nil, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, fmt.Errorf("postgres storage selected without DSN")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pg, err := store.NewPostgres(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close(ctx)
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func openSessionStore(flagDriver, flagDSN, storageDSN string) (auth.SessionStore, func(context.Context) error, error) {
	dsn := strings.TrimSpace(firstNonEmpty(
		flagDSN,
		os.Getenv("COURSECAST_LIVE_SESSION_POSTGRES_DSN"),
		storageDSN,
		os.Getenv("COURSECAST_LIVE_POSTGRES_DSN"),
	))
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("COURSECAST_LIVE_SESSION_STORE")))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return auth.NewMemorySessionStore(), nil, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, fmt.Errorf("postgres session store selected without DSN")
		}
		pgStore, err := auth.NewPostgresSessionStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return pgStore, pgStore.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func openProjection(flagBackend string, redisCfg entitlement.RedisConfig) (entitlement.Projection, func() error, error) {
	backend := strings.ToLower(firstNonEmpty(flagBackend, os.Getenv("COURSECAST_LIVE_ENTITLEMENT_BACKEND")))
	if backend == "" {
		if redisCfg.Addr != "" || len(redisCfg.Addrs) > 0 {
			backend = "redis"
		} else {
			backend = "memory"
		}
	}
	switch backend {
	case "memory":
		return entitlement.NewMemoryProjection(), nil, nil
	case "redis":
		projection, err := entitlement.NewRedisProjection(redisCfg)
		if err != nil {
			return nil, nil, err
		}
		return projection, projection.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported entitlement backend %q", backend)
	}
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(firstNonEmpty(flagMode, envMode))
	if mode == "" {
		mode = "development"
	}
	return mode
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := firstNonEmpty(flagValue, envAddr)
	if listenAddr == "" {
		if mode == "production" {
			return ":80"
		}
		return ":8080"
	}
	return listenAddr
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
