package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func resetGlobalConfig() {
	globalConfig = &Config{
		DatabasePath:    ".vaultcore",
		BindAddr:        "0.0.0.0",
		MetricsPort:     12798,
		ShutdownTimeout: DefaultShutdownTimeout,
		Admin:           "admin",
		Custody:         "custody",
	}
}

func TestLoad_CompareFullStruct(t *testing.T) {
	resetGlobalConfig()
	yamlContent := `
databasePath: "/var/lib/vaultcore"
bindAddr: "127.0.0.1"
shutdownTimeout: "10s"
admin: "treasury-ops"
escrowAuthority: "escrow-core"
loanAuthority: "loan-desk"
custody: "vault-custody"
metricsPort: 8088
`

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "test-vaultcore.yaml")

	err := os.WriteFile(tmpFile, []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	defer os.Remove(tmpFile)

	expected := &Config{
		DatabasePath:    "/var/lib/vaultcore",
		BindAddr:        "127.0.0.1",
		ShutdownTimeout: "10s",
		Admin:           "treasury-ops",
		EscrowAuthority: "escrow-core",
		LoanAuthority:   "loan-desk",
		Custody:         "vault-custody",
		MetricsPort:     8088,
	}

	actual, err := LoadConfig(tmpFile)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if !reflect.DeepEqual(actual, expected) {
		t.Errorf(
			"Loaded config does not match expected.\nActual: %+v\nExpected: %+v",
			actual,
			expected,
		)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	resetGlobalConfig()

	yamlContent := `
admin: "treasury-ops"
`

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "test-partial.yaml")

	err := os.WriteFile(tmpFile, []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadConfig(tmpFile)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Admin != "treasury-ops" {
		t.Errorf("expected Admin to be treasury-ops, got: %s", cfg.Admin)
	}
	if cfg.DatabasePath != ".vaultcore" {
		t.Errorf("expected default DatabasePath, got: %s", cfg.DatabasePath)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("expected default ShutdownTimeout, got: %s", cfg.ShutdownTimeout)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	resetGlobalConfig()

	yamlContent := `
custody: "file-custody"
`

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "test-env.yaml")

	err := os.WriteFile(tmpFile, []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("VAULTCORE_CUSTODY", "env-custody")

	cfg, err := LoadConfig(tmpFile)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Custody != "env-custody" {
		t.Errorf("expected Custody to be env-custody, got: %s", cfg.Custody)
	}
}
