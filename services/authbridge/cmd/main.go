// Package main is the entry point for the AuthBridge service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/atelierhq/authbridge/services/authbridge/internal/oauth"
	"github.com/atelierhq/authbridge/services/authbridge/internal/server"
	"github.com/atelierhq/authbridge/services/shared/circuitbreaker"
	"github.com/atelierhq/authbridge/services/shared/crypto"
	"github.com/atelierhq/authbridge/services/shared/events"
	"github.com/atelierhq/authbridge/services/shared/health"
	"github.com/atelierhq/authbridge/services/shared/logger"
	"github.com/atelierhq/authbridge/services/shared/metrics"
	"github.com/atelierhq/authbridge/services/shared/tracing"
)

// Config holds the AuthBridge service configuration.
type Config struct {
	HTTP struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"http"`

	State struct {
		Key string        `mapstructure:"key"`
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"state"`

	Cookie server.Config `mapstructure:"cookie"`

	OAuth struct {
		GitHub    oauth.ClientConfig `mapstructure:"github"`
		Google    oauth.ClientConfig `mapstructure:"google"`
		Microsoft oauth.ClientConfig `mapstructure:"microsoft"`
		Okta      oauth.ClientConfig `mapstructure:"okta"`
	} `mapstructure:"oauth"`

	Breaker struct {
		FailureThreshold    int           `mapstructure:"failure_threshold"`
		SuccessThreshold    int           `mapstructure:"success_threshold"`
		OpenTimeout         time.Duration `mapstructure:"open_timeout"`
		MaxHalfOpenRequests int           `mapstructure:"max_half_open_requests"`
	} `mapstructure:"breaker"`

	Retry oauth.RetryPolicy `mapstructure:"retry"`

	NATS struct {
		URL           string        `mapstructure:"url"`
		Name          string        `mapstructure:"name"`
		MaxReconnects int           `mapstructure:"max_reconnects"`
		ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	} `mapstructure:"nats"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Tracing struct {
		Enabled    bool    `mapstructure:"enabled"`
		Endpoint   string  `mapstructure:"endpoint"`
		SampleRate float64 `mapstructure:"sample_rate"`
		Insecure   bool    `mapstructure:"insecure"`
	} `mapstructure:"tracing"`
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "authbridge",
		Environment: os.Getenv("ENVIRONMENT"),
	})

	log := logger.Default()
	log.Info("starting authbridge service")

	// Initialize tracing
	var tracingCleanup func(context.Context) error
	if cfg.Tracing.Enabled {
		var err error
		tracingCleanup, err = tracing.InitGlobal(tracing.Config{
			ServiceName:    "authbridge",
			ServiceVersion: version(),
			Environment:    os.Getenv("ENVIRONMENT"),
			Endpoint:       cfg.Tracing.Endpoint,
			SampleRate:     cfg.Tracing.SampleRate,
			Insecure:       cfg.Tracing.Insecure,
			Enabled:        true,
		})
		if err != nil {
			log.Error("failed to initialize tracing", "error", err)
		} else {
			log.Info("tracing initialized", "endpoint", cfg.Tracing.Endpoint)
		}
	}

	metricsInstance := metrics.Init(metrics.Config{
		ServiceName: "authbridge",
		Namespace:   "authbridge",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize NATS client (optional - service works without it)
	var eventsClient *events.Client
	if cfg.NATS.URL != "" {
		var err error
		eventsClient, err = events.New(events.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		})
		if err != nil {
			log.Warn("failed to connect to NATS, continuing without events", "error", err)
		} else {
			log.Info("connected to NATS", "url", cfg.NATS.URL)
		}
	}

	// Initialize the state cipher and codec
	cipher, err := crypto.NewFromHex(cfg.State.Key)
	if err != nil {
		log.Error("failed to initialize state cipher", "error", err)
		os.Exit(1)
	}
	codec := oauth.NewStateCodec(cipher, cfg.State.TTL)

	// Circuit breaker guarding GitHub API calls
	breaker := circuitbreaker.New("github", circuitbreaker.Config{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		SuccessThreshold:    cfg.Breaker.SuccessThreshold,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		MaxHalfOpenRequests: cfg.Breaker.MaxHalfOpenRequests,
		IsFailure:           oauth.IsBreakerFailure,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			metricsInstance.SetCircuitBreakerState(name, int(to))
			if to == circuitbreaker.StateOpen {
				metricsInstance.RecordCircuitBreakerTrip(name)
				if eventsClient != nil {
					_ = eventsClient.PublishSystemEvent(ctx, events.EventCircuitOpened, map[string]any{
						"breaker": name,
					})
				}
			}
		},
	})

	profileClient := oauth.NewProfileClient(breaker, nil)

	// Initialize OAuth providers
	var providers []oauth.Provider
	if cfg.OAuth.GitHub.ClientID != "" {
		providers = append(providers, oauth.NewGitHubProvider(cfg.OAuth.GitHub, profileClient))
	}
	if cfg.OAuth.Google.ClientID != "" {
		providers = append(providers, oauth.NewGoogleProvider(cfg.OAuth.Google))
	}
	if cfg.OAuth.Microsoft.ClientID != "" {
		providers = append(providers, oauth.NewMicrosoftProvider(cfg.OAuth.Microsoft))
	}
	if cfg.OAuth.Okta.ClientID != "" {
		providers = append(providers, oauth.NewOktaProvider(cfg.OAuth.Okta))
	}
	if len(providers) == 0 {
		log.Error("no OAuth providers configured")
		os.Exit(1)
	}

	coordinator := oauth.NewCoordinator(providers, oauth.DefaultCapabilities(), codec, cfg.Retry, log)

	// Completed sign-ins are published on the event bus. Downstream
	// services own account provisioning.
	sink := server.IdentitySinkFunc(func(ctx context.Context, result *oauth.ExchangeResult) error {
		if eventsClient == nil {
			return nil
		}
		return eventsClient.PublishAuthEvent(ctx, events.EventIdentityResolved, string(result.Provider), map[string]any{
			"external_id": result.ExternalID,
			"email":       result.Email,
		})
	})

	srv := server.New(coordinator, sink, cfg.Cookie, log,
		server.WithEvents(eventsClient),
		server.WithMetrics(metricsInstance),
	)

	// Initialize health checker
	healthChecker := health.NewChecker(
		health.WithVersion(version()),
		health.WithTimeout(5*time.Second),
	)
	healthChecker.Register("github_breaker", health.CircuitBreakerCheck(func() string {
		return breaker.State().String()
	}))
	healthChecker.Register("memory", health.MemoryCheck(1<<30))
	if eventsClient != nil {
		healthChecker.Register("nats", health.NATSCheck(eventsClient.IsConnected))
	}

	httpAddr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("starting HTTP server", "address", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
		}
	}()

	// Start health check server with metrics endpoint
	go func() {
		healthAddr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port+1000)
		healthMux := http.NewServeMux()
		healthMux.Handle("/metrics", metricsInstance.Handler())
		healthMux.Handle("/", healthChecker.Handler())

		healthServer := &http.Server{
			Addr:    healthAddr,
			Handler: healthMux,
		}

		log.Info("starting health/metrics server", "address", healthAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("health server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down servers...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	}

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		log.Error("health checker shutdown error", "error", err)
	}

	if eventsClient != nil {
		if err := eventsClient.Close(); err != nil {
			log.Error("NATS client close error", "error", err)
		}
	}

	if tracingCleanup != nil {
		if err := tracingCleanup(shutdownCtx); err != nil {
			log.Error("tracing shutdown error", "error", err)
		}
	}

	log.Info("servers stopped")
}

func loadConfig() (*Config, error) {
	viper.SetConfigName("authbridge")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/authbridge")

	viper.SetDefault("http.host", "0.0.0.0")
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("state.key", "")
	viper.SetDefault("state.ttl", "10m")
	viper.SetDefault("cookie.cookie_domain", "")
	viper.SetDefault("cookie.cookie_secure", true)
	viper.SetDefault("breaker.failure_threshold", 5)
	viper.SetDefault("breaker.success_threshold", 2)
	viper.SetDefault("breaker.open_timeout", "30s")
	viper.SetDefault("breaker.max_half_open_requests", 1)
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.base_delay", "250ms")
	viper.SetDefault("retry.attempt_timeout", "10s")
	viper.SetDefault("nats.url", "")
	viper.SetDefault("nats.name", "authbridge")
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", "2s")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4317")
	viper.SetDefault("tracing.sample_rate", 1.0)
	viper.SetDefault("tracing.insecure", true)

	viper.SetEnvPrefix("AUTHBRIDGE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func version() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
