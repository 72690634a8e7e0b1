//go:build !darwin

package config

import (
	"os"
	"strings"
	"testing"
)

func TestSecretsFile_SetThenGet(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if err := keychainSet(keychainService, "platform_token", "tok-1"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	if err := keychainSet(keychainService, "llm_api_key", "sk-1"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}

	got, err := keychainReader{}.Get(keychainService, "platform_token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "tok-1" {
		t.Errorf("platform_token = %q, want tok-1", got)
	}

	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", perm)
	}
}

func TestSecretsFile_MissingAccount(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if _, err := keychainExec(keychainService, "platform_token"); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestSecretsFile_RejectsLoosePermissions(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if err := keychainSet(keychainService, "platform_token", "tok-1"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	if err := os.Chmod(secretsFilePath(), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := keychainExec(keychainService, "platform_token")
	if err == nil || !strings.Contains(err.Error(), "chmod 600") {
		t.Fatalf("err = %v, want permission complaint", err)
	}
}
