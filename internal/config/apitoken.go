package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const apiTokenAccount = "api_token"

// TokenStore reads and writes secrets under a service/account pair.
type TokenStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// Keychain is the platform secret store: macOS Keychain, or the local
// secrets file elsewhere.
type Keychain struct{ keychainReader }

func (Keychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

func NewKeychain() Keychain { return Keychain{} }

// GetAPIToken returns the bearer token guarding the local HTTP API.
// WINGMAN_API_TOKEN wins; otherwise the stored token is used, and one is
// generated and stored on first use.
func GetAPIToken(ts TokenStore) (string, error) {
	if v := os.Getenv("WINGMAN_API_TOKEN"); v != "" {
		return v, nil
	}
	if v, err := ts.Get(keychainService, apiTokenAccount); err == nil && v != "" {
		return v, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := ts.Set(keychainService, apiTokenAccount, token); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return token, nil
}
