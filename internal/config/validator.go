package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clawguard/clawguard/internal/domain/auth"
	"github.com/clawguard/clawguard/internal/domain/guard"
	"github.com/clawguard/clawguard/internal/domain/service"
)

// RegisterCustomValidators registers the gateway's validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	validators := map[string]validator.Func{
		"hostport":     validateHostPort,
		"cidr_list":    validateCIDRList,
		"duration":     validateDuration,
		"service_name": validateServiceName,
	}
	for tag, fn := range validators {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateHostPort accepts "host:port" and ":port" listen addresses.
func validateHostPort(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	return err == nil && port != ""
}

// validateCIDRList accepts a slice whose entries are exact IPs or CIDR
// blocks.
func validateCIDRList(fl validator.FieldLevel) bool {
	field := fl.Field()
	for i := 0; i < field.Len(); i++ {
		entry := strings.TrimSpace(field.Index(i).String())
		if entry == "" {
			return false
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return false
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return false
		}
	}
	return true
}

// validateDuration accepts positive time.ParseDuration strings.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// validateServiceName accepts routable service names.
func validateServiceName(fl validator.FieldLevel) bool {
	return service.ValidName(fl.Field().String())
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if _, err := c.Identity.ResolveAgentKey(); err != nil {
		return err
	}
	if err := c.validateTelegram(); err != nil {
		return err
	}
	if err := c.validateAdmin(); err != nil {
		return err
	}
	return c.validateServices(v)
}

// validateTelegram ensures env indirections point at populated variables.
// An unset indirection would otherwise silently disable the bot.
func (c *Config) validateTelegram() error {
	if c.Telegram.BotTokenEnv != "" && c.Telegram.ResolveBotToken() == "" {
		return fmt.Errorf("telegram.bot_token_env: environment variable %s is not set", c.Telegram.BotTokenEnv)
	}
	if c.Telegram.PairingSecretEnv != "" && c.Telegram.ResolvePairingSecret() == "" {
		return fmt.Errorf("telegram.pairing_secret_env: environment variable %s is not set", c.Telegram.PairingSecretEnv)
	}
	return nil
}

// validateAdmin ensures an enabled admin plane has a usable PIN hash.
func (c *Config) validateAdmin() error {
	if !c.Admin.Enabled {
		return nil
	}
	if c.Admin.PINHash == "" {
		return errors.New("admin.pin_hash is required when the admin API is enabled (generate with: clawguard hash-pin)")
	}
	if auth.DetectHashType(c.Admin.PINHash) == "unknown" {
		return errors.New("admin.pin_hash is not a recognized hash (expected argon2id or sha256:<hex>)")
	}
	return nil
}

// validateServices checks each configured service definition: routable
// name, no duplicates, upstream URL past the security guard, coherent
// credential recipe, known policy actions. CEL conditions are compiled
// (and rejected) later by the policy engine.
func (c *Config) validateServices(v *validator.Validate) error {
	pol := c.Security.GuardPolicy()
	seen := make(map[string]struct{}, len(c.Services))

	for i, def := range c.Services {
		label := fmt.Sprintf("services[%d]", i)
		if def.Name != "" {
			label = fmt.Sprintf("services[%d] (%s)", i, def.Name)
		}

		if err := v.Var(def.Name, "service_name"); err != nil {
			return fmt.Errorf("%s: name must be lowercase alphanumerics, dashes, or underscores, starting with an alphanumeric", label)
		}
		if _, dup := seen[def.Name]; dup {
			return fmt.Errorf("%s: duplicate service name", label)
		}
		seen[def.Name] = struct{}{}

		base, err := def.ParseBase()
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		if err := guard.CheckBase(base, pol); err != nil {
			return fmt.Errorf("%s: upstream rejected: %w", label, err)
		}

		switch def.Credential.Kind {
		case service.CredentialNone, service.CredentialBearer:
		case service.CredentialHeader, service.CredentialQuery:
			if def.Credential.Name == "" {
				return fmt.Errorf("%s: credential kind %q requires a name", label, def.Credential.Kind)
			}
		default:
			return fmt.Errorf("%s: unknown credential kind %q", label, def.Credential.Kind)
		}

		if !def.Policy.Default.Valid() {
			return fmt.Errorf("%s: unknown default action %q", label, def.Policy.Default)
		}
		for j, rule := range def.Policy.Rules {
			if !rule.Action.Valid() {
				return fmt.Errorf("%s: rules[%d]: unknown action %q", label, j, rule.Action)
			}
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostport":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "cidr_list":
		return fmt.Sprintf("%s entries must be IP addresses or CIDR blocks", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as \"30s\" or \"2m\"", field)
	case "service_name":
		return fmt.Sprintf("%s must be a valid service name", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
