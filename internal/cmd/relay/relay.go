// Package relay parses relay command flags and composes the service entrypoint.
package relay

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/karashiiro/mogmog/internal/platform/cmd"
	server "github.com/karashiiro/mogmog/internal/relay/app"
)

// Config holds relay command configuration.
type Config struct {
	HTTPAddr    string `env:"MOGMOG_HTTP_ADDR"     envDefault:":8080"`
	DataDir     string `env:"MOGMOG_DATA_DIR"      envDefault:"data"`
	AuditDBPath string `env:"MOGMOG_AUDIT_DB_PATH"`

	ProviderClientID     string `env:"MOGMOG_PROVIDER_CLIENT_ID"`
	ProviderClientSecret string `env:"MOGMOG_PROVIDER_CLIENT_SECRET"`
	ProviderTokenURL     string `env:"MOGMOG_PROVIDER_TOKEN_URL"`
	ProviderUserInfoURL  string `env:"MOGMOG_PROVIDER_USERINFO_URL"`
	ProviderRedirectURL  string `env:"MOGMOG_PROVIDER_REDIRECT_URL"`

	RequireAuthorizationCode bool   `env:"MOGMOG_REQUIRE_AUTHORIZATION_CODE" envDefault:"false"`
	BypassCode               string `env:"MOGMOG_BYPASS_CODE"`
	BypassAccountID          uint64 `env:"MOGMOG_BYPASS_ACCOUNT_ID"`

	StateKeySecret string        `env:"MOGMOG_STATE_KEY_SECRET"`
	StateKeyTTL    time.Duration `env:"MOGMOG_STATE_KEY_TTL" envDefault:"24h"`

	OutboundBufferSize int `env:"MOGMOG_OUTBOUND_BUFFER" envDefault:"64"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP listen address")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "moderation snapshot directory")
	fs.StringVar(&cfg.AuditDBPath, "audit-db", cfg.AuditDBPath, "moderation audit SQLite path (empty disables)")
	fs.StringVar(&cfg.ProviderTokenURL, "provider-token-url", cfg.ProviderTokenURL, "identity provider token endpoint")
	fs.StringVar(&cfg.ProviderUserInfoURL, "provider-userinfo-url", cfg.ProviderUserInfoURL, "identity provider user info endpoint")
	fs.BoolVar(&cfg.RequireAuthorizationCode, "require-authorization-code", cfg.RequireAuthorizationCode, "require every client to present an authorization code")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the relay app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:                 cfg.HTTPAddr,
			DataDir:                  cfg.DataDir,
			AuditDBPath:              cfg.AuditDBPath,
			ProviderClientID:         cfg.ProviderClientID,
			ProviderClientSecret:     cfg.ProviderClientSecret,
			ProviderTokenURL:         cfg.ProviderTokenURL,
			ProviderUserInfoURL:      cfg.ProviderUserInfoURL,
			ProviderRedirectURL:      cfg.ProviderRedirectURL,
			RequireAuthorizationCode: cfg.RequireAuthorizationCode,
			BypassCode:               cfg.BypassCode,
			BypassAccountID:          cfg.BypassAccountID,
			StateKeySecret:           cfg.StateKeySecret,
			StateKeyTTL:              cfg.StateKeyTTL,
			OutboundBufferSize:       cfg.OutboundBufferSize,
		}); err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
}
