package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

var setupCodeFormat = regexp.MustCompile(`^\d{3}-\d{2}-\d{3}$`)

// Trivial codes the accessory protocol forbids as setup codes.
var bannedSetupCodes = map[string]bool{
	"000-00-000": true,
	"111-11-111": true,
	"222-22-222": true,
	"333-33-333": true,
	"444-44-444": true,
	"555-55-555": true,
	"666-66-666": true,
	"777-77-777": true,
	"888-88-888": true,
	"999-99-999": true,
	"123-45-678": true,
	"876-54-321": true,
}

// Validate checks the config for errors. All problems are reported at
// once, joined into a single error.
func (c *Config) Validate() error {
	var errs []error

	if c.Accessory.Name == "" {
		errs = append(errs, errors.New("accessory.name: must not be empty"))
	}
	if c.Accessory.Category < 1 || c.Accessory.Category > 255 {
		errs = append(errs, fmt.Errorf("accessory.category: %d out of range 1..255", c.Accessory.Category))
	}
	if c.Accessory.SetupCode != "" {
		if err := ValidateSetupCode(c.Accessory.SetupCode); err != nil {
			errs = append(errs, fmt.Errorf("accessory.setup_code: %w", err))
		}
	}
	if c.Network.Listen != "" {
		if err := validateListenAddr(c.Network.Listen); err != nil {
			errs = append(errs, fmt.Errorf("network.listen: %w", err))
		}
	}
	if err := validateLogLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// ValidateSetupCode checks the NNN-NN-NNN format and rejects codes the
// protocol bans as too guessable.
func ValidateSetupCode(code string) error {
	if !setupCodeFormat.MatchString(code) {
		return fmt.Errorf("%q does not match NNN-NN-NNN", code)
	}
	if bannedSetupCodes[code] {
		return fmt.Errorf("%q is a forbidden trivial code", code)
	}
	return nil
}

func validateListenAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "" {
		return fmt.Errorf("invalid address %q: missing port", addr)
	}
	_ = host // empty host means all interfaces, which is fine for a listener
	return nil
}

func validateLogLevel(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("unknown level %q", level)
	}
}
