package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/schoolconsole/notify-engine/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigValidator(t *testing.T) {
	cfg := &config.Config{}

	validator := NewConfigValidator(cfg)

	assert.NotNil(t, validator)
	assert.Equal(t, cfg, validator.config)
	assert.Equal(t, 10*time.Second, validator.client.Timeout)
}

func TestValidateClientAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	valid, err := Issue(testSecret, 42, time.Hour)
	require.NoError(t, err)
	expired, err := Issue(testSecret, 42, -time.Minute)
	require.NoError(t, err)
	anonymous, err := Issue(testSecret, 0, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name           string
		auth           config.AuthConfig
		baseURL        string
		expectedErrors []string
	}{
		{"valid token", config.AuthConfig{Token: valid}, server.URL, nil},
		{"matching user id", config.AuthConfig{Token: valid, UserID: 42}, server.URL, nil},
		{"mismatched user id", config.AuthConfig{Token: valid, UserID: 7}, server.URL, []string{"configured user is 7"}},
		{"expired token", config.AuthConfig{Token: expired}, server.URL, []string{"expired"}},
		{"no user id anywhere", config.AuthConfig{Token: anonymous}, server.URL, []string{"no user id"}},
		{"undecodable token", config.AuthConfig{Token: "garbage"}, server.URL, []string{"cannot be decoded"}},
		{"unreachable API", config.AuthConfig{Token: valid}, failing.URL, []string{"status code 502"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Auth: tt.auth, API: config.APIConfig{BaseURL: tt.baseURL}}
			errs := NewConfigValidator(cfg).ValidateClientAuth()

			require.Len(t, errs, len(tt.expectedErrors))
			for i, want := range tt.expectedErrors {
				assert.Contains(t, errs[i].Error(), want)
			}
		})
	}
}

func TestTestTokenCreation(t *testing.T) {
	cfg := &config.Config{Simulator: config.SimulatorConfig{JwtSecretKey: testSecret}}
	assert.NoError(t, NewConfigValidator(cfg).TestTokenCreation())

	cfg.Simulator.JwtSecretKey = ""
	assert.Error(t, NewConfigValidator(cfg).TestTokenCreation())
}

func TestPrintValidationResults(t *testing.T) {
	v := NewConfigValidator(&config.Config{})
	assert.NotPanics(t, func() {
		v.PrintValidationResults(nil)
		v.PrintValidationResults([]error{assert.AnError})
	})
}
