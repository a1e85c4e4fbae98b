package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator enforces constraints on ShellConfig.
type Validator interface {
	Validate(*ShellConfig) error
}

// DefaultValidator applies struct-tag validation plus cross-field checks the
// tags cannot express.
type DefaultValidator struct {
	validate *validator.Validate
	maxApps  int
}

// NewDefaultValidator builds the standard validator.
func NewDefaultValidator() *DefaultValidator {
	return &DefaultValidator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		maxApps:  128,
	}
}

// Validate checks structural integrity and origin safety.
func (v *DefaultValidator) Validate(cfg *ShellConfig) error {
	if cfg == nil {
		return errors.New("config: nil config")
	}
	if cfg.TriosDir == "" {
		return errors.New("config: trios directory unresolved")
	}
	if err := v.validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(cfg.Apps) > v.maxApps {
		return fmt.Errorf("config: too many apps: %d > %d", len(cfg.Apps), v.maxApps)
	}

	seen := make(map[string]struct{}, len(cfg.Apps))
	for _, d := range cfg.Apps {
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("config: duplicate app id %s", d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	if cfg.DefaultApp != "" {
		if _, ok := seen[cfg.DefaultApp]; !ok {
			return fmt.Errorf("config: default_app %s not declared", cfg.DefaultApp)
		}
	}

	for _, origin := range cfg.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: allowed origin %q is not an absolute URL", origin)
		}
	}
	for _, domain := range cfg.AuthDomains {
		if strings.ContainsAny(domain, "/: ") {
			return fmt.Errorf("config: auth domain %q must be a bare host", domain)
		}
	}

	switch cfg.Session.Backend {
	case "file", "memory":
	case "redis":
		if cfg.Session.RedisAddr == "" {
			return errors.New("config: session backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("config: unknown session backend %q", cfg.Session.Backend)
	}
	return nil
}
