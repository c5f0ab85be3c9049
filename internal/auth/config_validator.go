package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/schoolconsole/notify-engine/config"
	"github.com/schoolconsole/notify-engine/logger"
)

// ConfigValidator checks auth-related configuration before a command starts.
type ConfigValidator struct {
	config *config.Config
	client *http.Client
	now    func() time.Time
}

// NewConfigValidator creates a new validator for auth configuration
func NewConfigValidator(cfg *config.Config) *ConfigValidator {
	return &ConfigValidator{
		config: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// ValidateClientAuth checks the console token: it must decode, must not be
// expired and must agree with the configured user id when both are set. The
// API base is probed so a wrong URL shows up before the session starts.
func (v *ConfigValidator) ValidateClientAuth() []error {
	var errs []error

	claims, err := Inspect(v.config.Auth.Token)
	if err != nil {
		errs = append(errs, fmt.Errorf("auth token cannot be decoded: %w", err))
	} else {
		if claims.Expired(v.now()) {
			errs = append(errs, fmt.Errorf("auth token expired at %s", claims.ExpiresAt.Time.Format(time.RFC3339)))
		}
		if v.config.Auth.UserID != 0 && claims.UserID != 0 && claims.UserID != v.config.Auth.UserID {
			errs = append(errs, fmt.Errorf("auth token is for user %d, configured user is %d", claims.UserID, v.config.Auth.UserID))
		}
		if v.config.Auth.UserID == 0 && claims.UserID == 0 {
			errs = append(errs, fmt.Errorf("no user id configured and the token carries none"))
		}
	}

	if v.config.API.BaseURL != "" {
		if err := v.checkEndpointAvailability(strings.TrimRight(v.config.API.BaseURL, "/") + "/health"); err != nil {
			errs = append(errs, fmt.Errorf("API endpoint not accessible: %w", err))
		}
	}
	return errs
}

// TestTokenCreation issues and validates a token with the simulator secret.
func (v *ConfigValidator) TestTokenCreation() error {
	token, err := Issue(v.config.Simulator.JwtSecretKey, 1, time.Minute)
	if err != nil {
		return err
	}
	claims, err := Validate(token, v.config.Simulator.JwtSecretKey)
	if err != nil {
		return err
	}
	if claims.UserID != 1 {
		return fmt.Errorf("round-tripped token carries user %d", claims.UserID)
	}
	return nil
}

// checkEndpointAvailability tests if an endpoint is accessible
func (v *ConfigValidator) checkEndpointAvailability(endpoint string) error {
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint returned status code %d", resp.StatusCode)
	}
	return nil
}

// PrintValidationResults logs all validation results
func (v *ConfigValidator) PrintValidationResults(errs []error) {
	log := logger.GetLogger()

	if len(errs) == 0 {
		log.Info("Auth configuration validation passed")
		return
	}

	log.Warnw("Auth configuration validation failed", "error_count", len(errs))
	for i, err := range errs {
		log.Warnw("Validation error", "index", i+1, "error", err.Error())
	}
}
