package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/talos-labs/talos-gateway/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeBearer   Mode = "bearer"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	BearerSecret  string
	BearerSubject string
	BearerRoles   []string

	OIDCIssuerURL string
	OIDCAudience  string

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("TALOS_AUTH_MODE", string(ModeBearer))))
	var mode Mode
	switch modeRaw {
	case string(ModeOIDC):
		mode = ModeOIDC
	case string(ModeBearer):
		mode = ModeBearer
	case string(ModeDev):
		mode = ModeDev
	case string(ModeDisabled):
		mode = ModeDisabled
	default:
		return Config{}, fmt.Errorf("TALOS_AUTH_MODE must be one of: oidc, bearer, dev, disabled (got %q)", modeRaw)
	}

	cfg := Config{
		Mode:          mode,
		RolesClaim:    env.String("TALOS_AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:    env.String("TALOS_AUTH_EMAIL_CLAIM", "email"),
		BearerSecret:  env.String("TALOS_AUTH_SECRET", ""),
		BearerSubject: env.String("TALOS_AUTH_SUBJECT", "admin-user"),
		BearerRoles:   parseCSV(env.String("TALOS_AUTH_ROLES", "admin")),
		OIDCIssuerURL: env.String("TALOS_OIDC_ISSUER_URL", ""),
		OIDCAudience:  env.String("TALOS_OIDC_AUDIENCE", ""),
		DevSubject:    env.String("TALOS_DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:      env.String("TALOS_DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:      parseCSV(env.String("TALOS_DEV_AUTH_ROLES", "admin")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(string(c.Mode)) == "" {
		return errors.New("TALOS_AUTH_MODE is required")
	}

	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("TALOS_OIDC_ISSUER_URL is required when TALOS_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCAudience) == "" {
			return errors.New("TALOS_OIDC_AUDIENCE is required when TALOS_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.RolesClaim) == "" {
			return errors.New("TALOS_AUTH_ROLES_CLAIM is required when TALOS_AUTH_MODE=oidc")
		}
	case ModeBearer:
		if strings.TrimSpace(c.BearerSecret) == "" {
			return errors.New("TALOS_AUTH_SECRET is required when TALOS_AUTH_MODE=bearer")
		}
		if strings.TrimSpace(c.BearerSubject) == "" {
			return errors.New("TALOS_AUTH_SUBJECT is required when TALOS_AUTH_MODE=bearer")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("TALOS_DEV_AUTH_SUBJECT is required when TALOS_AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("TALOS_DEV_AUTH_ROLES must be non-empty when TALOS_AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}

	return nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
