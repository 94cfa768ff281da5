package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesDonationServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "DONATION_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "DONATION_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_ReconciliationDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "TOKEN_DECIMALS")
	unsetEnvWithCleanup(t, "SYNC_MATERIALITY_THRESHOLD")
	unsetEnvWithCleanup(t, "CONFIRMATION_TIMEOUT_SECONDS")
	unsetEnvWithCleanup(t, "FDS_TIMEOUT_SECONDS")
	unsetEnvWithCleanup(t, "MONITOR_CRON")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.TokenDecimals != 6 {
		t.Fatalf("expected default TokenDecimals 6, got %d", cfg.TokenDecimals)
	}
	if cfg.SyncMaterialityThreshold != "1" {
		t.Fatalf("expected default materiality threshold \"1\", got %q", cfg.SyncMaterialityThreshold)
	}
	if cfg.ConfirmationTimeoutSecs != 300 {
		t.Fatalf("expected default confirmation timeout 300s, got %d", cfg.ConfirmationTimeoutSecs)
	}
	if cfg.FdsTimeoutSecs != 3 {
		t.Fatalf("expected default fds timeout 3s, got %d", cfg.FdsTimeoutSecs)
	}
	if cfg.MonitorCron != "@every 5m" {
		t.Fatalf("expected default monitor cron, got %q", cfg.MonitorCron)
	}
}

func TestLoadConfig_IsProduction(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "ENVIRONMENT", "Production")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected IsProduction true for ENVIRONMENT=Production, got environment %q", cfg.Environment)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
