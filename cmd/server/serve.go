package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"vpcal-service/internal/app"
	"vpcal-service/internal/booking"
	"vpcal-service/internal/busy"
	"vpcal-service/internal/busy/google"
	"vpcal-service/internal/busy/outlook"
	"vpcal-service/internal/cache"
	"vpcal-service/internal/config"
	"vpcal-service/internal/conflict"
	"vpcal-service/internal/delegation"
	"vpcal-service/internal/events"
	"vpcal-service/internal/logging"
	"vpcal-service/internal/server"
	"vpcal-service/internal/slots"
	"vpcal-service/internal/store/memory"
	"vpcal-service/internal/store/postgres"
	"vpcal-service/internal/telemetry"
)

const serviceName = "vpcal-service"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("print-config", false, "print the effective config as YAML and exit")
	serveCmd.Flags().Bool("migrate", false, "apply database migrations before serving")
}

// backend is what both stores provide.
type backend interface {
	booking.Store
	busy.MeetingSource
	busy.ConnectionSource
	busy.TokenSaver
	delegation.Lookup
	cache.RuleStore
	app.MeetingLister
	app.ConnectionStore
	app.GrantStore
}

var (
	_ backend = (*memory.Store)(nil)
	_ backend = (*postgres.Store)(nil)
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if printCfg, _ := cmd.Flags().GetBool("print-config"); printCfg {
		redacted := *cfg
		redacted.Database.URL = redact(redacted.Database.URL)
		redacted.Auth.JWTSecret = redact(redacted.Auth.JWTSecret)
		redacted.Auth.StaticTokens = nil
		redacted.Google.ClientSecret = redact(redacted.Google.ClientSecret)
		redacted.Microsoft.ClientSecret = redact(redacted.Microsoft.ClientSecret)
		redacted.Redis.Password = redact(redacted.Redis.Password)
		out, err := yaml.Marshal(redacted)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	}

	if cfg.Auth.JWTSecret == "" && len(cfg.Auth.StaticTokens) == 0 {
		return errors.New("no authentication configured: set JWT_HMAC_SECRET or STATIC_TOKENS")
	}

	logger := logging.NewLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Telemetry.ServiceName = serviceName
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	ready := map[string]app.Check{}

	var store backend
	if cfg.Database.URL != "" {
		pool, err := postgres.Open(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to db: %w", err)
		}
		defer pool.Close()
		if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
			version, err := postgres.Migrate(ctx, pool)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema migrated", "version", version)
		}
		store = postgres.New(pool, cfg.DefaultTimeZone)
		ready["db"] = app.Check(postgres.ReadyCheck(pool))
	} else {
		logger.Warn("DATABASE_URL not set, using the in-memory store")
		store = memory.New(cfg.DefaultTimeZone)
	}

	var rules cache.RuleStore = store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		rules = cache.NewRules(store, rdb, cfg.Redis.RuleTTL, logger)
		ready["redis"] = app.Check(cache.ReadyCheck(rdb))
	}

	oauthConfigs := map[busy.Source]*oauth2.Config{}
	var providers []busy.Provider
	if gc := google.NewOAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL); gc != nil {
		oauthConfigs[busy.SourceGoogle] = gc
		providers = append(providers, google.New(gc, google.WithTokenSaver(store), google.WithLogger(logger)))
	}
	if oc := outlook.NewOAuthConfig(cfg.Microsoft.Tenant, cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.RedirectURL); oc != nil {
		oauthConfigs[busy.SourceOutlook] = oc
		providers = append(providers, outlook.New(oc, outlook.WithTokenSaver(store), outlook.WithLogger(logger)))
	}

	aggregator := busy.NewAggregator(store, store, providers,
		busy.WithFetchTimeout(cfg.Calendar.FetchTimeout),
		busy.WithLogger(logger),
	)
	detector := conflict.NewDetector(aggregator)
	authorizer := delegation.NewAuthorizer(store)

	opts := []booking.Option{booking.WithLogger(logger), booking.WithAdmissionTimeout(cfg.Booking.AdmissionTimeout)}
	if brokers := events.SplitBrokers(cfg.Kafka.Brokers); len(brokers) > 0 {
		publisher := events.NewPublisher(events.NewKafkaWriter(brokers), logger)
		defer func() { _ = publisher.Close() }()
		opts = append(opts, booking.WithPublisher(publisher))
		ready["kafka"] = app.Check(events.ReadyCheck(brokers))
	} else {
		logger.Warn("meeting events disabled (no kafka brokers configured)")
	}

	a := &app.App{
		Rules:       rules,
		Meetings:    store,
		Connections: store,
		Grants:      store,
		Booking:     booking.NewValidator(rules, authorizer, detector, store, opts...),
		Slots:       slots.NewGenerator(rules, detector, cfg.Slots.MaxDays),
		Auth:        authorizer,
		OAuth:       oauthConfigs,
		StateSecret: []byte(cfg.Auth.JWTSecret),
		Ready:       ready,
		Logger:      logger,
	}

	router := a.Router(cfg.Auth.JWTSecret, cfg.Auth.StaticTokens)
	return server.Run(ctx, router, cfg.Port, cfg.ShutdownTimeout, logger)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
