package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Env: EnvDevelopment,
		Server: ServerConfig{
			Port: 8080,
		},
		Payments: PaymentsConfig{
			Mode:          PaymentModeDaraja,
			DarajaBaseURL: "https://api.safaricom.co.ke",
		},
	}
}

func TestValidateAcceptsDarajaInProduction(t *testing.T) {
	cfg := validConfig()
	cfg.Env = EnvProduction
	require.NoError(t, cfg.Validate())
}

func TestValidateRefusesSandboxInProduction(t *testing.T) {
	cfg := validConfig()
	cfg.Env = EnvProduction
	cfg.Payments.Mode = PaymentModeSandbox
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox")
}

func TestValidateAllowsSandboxOutsideProduction(t *testing.T) {
	cfg := validConfig()
	cfg.Payments.Mode = PaymentModeSandbox
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownPaymentMode(t *testing.T) {
	cfg := validConfig()
	cfg.Payments.Mode = "mock"
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresDarajaBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Payments.DarajaBaseURL = ""
	require.Error(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, PaymentModeSandbox, cfg.Payments.Mode)
	assert.NotEmpty(t, cfg.Forex.FallbackRates)
}
