package config

import (
	"testing"
)

func TestEnsureSecrets_GeneratesMissingValuesWhenAllowed(t *testing.T) {
	t.Parallel()

	cfg := &Config{Security: SecurityConfig{AllowEphemeralSecret: true}}
	if err := cfg.ensureSecrets(); err != nil {
		t.Fatalf("ensureSecrets() error = %v", err)
	}

	if cfg.Security.EventSecret == "" {
		t.Fatal("event secret should be auto-generated when ephemeral secrets are allowed")
	}
	if cfg.Security.SigningPrivateKeyHex == "" {
		t.Fatal("signing key seed should be auto-generated when ephemeral secrets are allowed")
	}
	// 32 random bytes hex-encoded -> 64 chars.
	if len(cfg.Security.EventSecret) != 64 {
		t.Fatalf("event secret length = %d, want 64", len(cfg.Security.EventSecret))
	}
}

func TestEnsureSecrets_LeavesMissingValuesWhenNotAllowed(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if err := cfg.ensureSecrets(); err != nil {
		t.Fatalf("ensureSecrets() error = %v", err)
	}
	if cfg.Security.EventSecret != "" {
		t.Fatal("event secret must stay empty without AllowEphemeralSecret, so Validate() fails closed")
	}
}

func TestEnsureSecrets_PreservesProvidedValues(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Security: SecurityConfig{
			AllowEphemeralSecret: true,
			EventSecret:          "abcdefghijklmnopqrstuvwxyzABCDEF123456", // 38 chars
			SigningPrivateKeyHex: "keep-existing-signing-key",
		},
	}

	if err := cfg.ensureSecrets(); err != nil {
		t.Fatalf("ensureSecrets() error = %v", err)
	}

	if got := cfg.Security.EventSecret; got != "abcdefghijklmnopqrstuvwxyzABCDEF123456" {
		t.Fatalf("event secret changed unexpectedly: %q", got)
	}
	if got := cfg.Security.SigningPrivateKeyHex; got != "keep-existing-signing-key" {
		t.Fatalf("signing key changed unexpectedly: %q", got)
	}
}

func TestConfigValidate_RejectsShortEventSecret(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Security: SecurityConfig{
			EventSecret:  "short-secret",
			SigningKeyID: "k1",
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for short event secret, got nil")
	}
}
