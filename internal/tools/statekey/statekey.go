// Package statekey mints relay state keys out of band.
//
// Operators use it to issue themselves a signed key for admin frames without
// going through the identity provider first.
package statekey

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/karashiiro/mogmog/internal/relay/identity"
)

// Config holds configuration for state key generation.
type Config struct {
	Secret    string
	AccountID uint64
	TTL       time.Duration
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{TTL: 24 * time.Hour}
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "state key signing secret (MOGMOG_STATE_KEY_SECRET)")
	fs.Uint64Var(&cfg.AccountID, "account-id", cfg.AccountID, "account id the key binds")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "key lifetime (default: 24h)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run signs the key and writes it to out.
func Run(cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	if cfg.AccountID == 0 {
		return errors.New("account id is required")
	}
	keys := identity.NewStateKeys(cfg.Secret, cfg.TTL)
	if keys == nil {
		return errors.New("secret is required")
	}

	key, err := keys.Issue(cfg.AccountID)
	if err != nil {
		return fmt.Errorf("issue state key: %w", err)
	}
	_, err = fmt.Fprintln(out, key)
	return err
}
