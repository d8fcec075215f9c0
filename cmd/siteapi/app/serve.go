package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stevedylandev/stevedylan.dev/pkg/api"
	"github.com/stevedylandev/stevedylan.dev/pkg/config"
	"github.com/stevedylandev/stevedylan.dev/pkg/logger"
	"github.com/stevedylandev/stevedylan.dev/pkg/session"
	"github.com/stevedylandev/stevedylan.dev/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the site API server",
	Long: `Start the site API server.

Every flag can also be set through the environment with the SITEAPI_
prefix and dashes replaced by underscores, e.g. SITEAPI_API_URL.`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("address", ":8787", "Address to listen on")
	flags.String("api-url", "", "Public base URL of this API (no trailing slash)")
	flags.String("client-url", "https://stevedylan.dev", "Public base URL of the website")
	flags.String("pds-url", "", "Base URL of the site owner's PDS")
	flags.String("allowed-did", "", "DID permitted to hold an owner session")
	flags.String("cookie-domain", "", "Domain attribute for the session cookie")
	flags.StringSlice("allowed-origins", []string{"https://stevedylan.dev"},
		"Origins allowed by CORS with credentials")
	flags.String("redis-addr", "", "Redis host:port for the session store")
	flags.String("redis-username", "", "Redis username")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis logical database")
	flags.String("redis-key-prefix", "siteapi:", "Prefix for all Redis keys")
	flags.Bool("memory-store", false, "Use the in-memory session store (development only)")
	flags.Bool("allow-private-ips", false, "Allow outbound requests to private addresses (development only)")
	flags.Bool("debug", false, "Enable debug logging")

	viper.SetEnvPrefix("SITEAPI")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		logger.Fatalf("Failed to bind flags: %v", err)
	}
}

func configFromViper() *config.Config {
	return &config.Config{
		ListenAddr:     viper.GetString("address"),
		APIURL:         strings.TrimSuffix(viper.GetString("api-url"), "/"),
		ClientURL:      strings.TrimSuffix(viper.GetString("client-url"), "/"),
		PDSURL:         strings.TrimSuffix(viper.GetString("pds-url"), "/"),
		AllowedDID:     viper.GetString("allowed-did"),
		CookieDomain:   viper.GetString("cookie-domain"),
		AllowedOrigins: viper.GetStringSlice("allowed-origins"),
		Redis: config.RedisConfig{
			Addr:      viper.GetString("redis-addr"),
			Username:  viper.GetString("redis-username"),
			Password:  viper.GetString("redis-password"),
			DB:        viper.GetInt("redis-db"),
			KeyPrefix: viper.GetString("redis-key-prefix"),
		},
		UseMemoryStore:  viper.GetBool("memory-store"),
		AllowPrivateIPs: viper.GetBool("allow-private-ips"),
		Debug:           viper.GetBool("debug"),
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := configFromViper()
	if cfg.Debug {
		os.Setenv("DEBUG", "true")
		logger.Initialize()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store session.Store
	if cfg.UseMemoryStore {
		logger.Warn("Using the in-memory session store; sessions will not survive a restart")
		store = session.NewMemoryStore()
	} else {
		redisStore, err := session.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		store = redisStore
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Failed to close session store: %v", err)
		}
	}()

	return api.Serve(ctx, cfg, store, telemetry.NewMetrics())
}
