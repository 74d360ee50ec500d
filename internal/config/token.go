package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	secretService   = "boxset"
	apiTokenAccount = "api_token"
	apiTokenEnvVar  = "BOXSET_API_TOKEN"
)

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "boxset", "secrets.json")
}

// GetAPIToken returns the bearer token shared by the daemon and the CLI,
// creating and storing one on first use. BOXSET_API_TOKEN takes precedence.
func GetAPIToken() (string, error) {
	if tok := os.Getenv(apiTokenEnvVar); tok != "" {
		return tok, nil
	}
	return tokenFromFile(secretsFilePath())
}

func tokenFromFile(path string) (string, error) {
	tok, err := secretGet(path, secretService, apiTokenAccount)
	if err == nil && tok != "" {
		return tok, nil
	}
	tok = uuid.NewString()
	if err := secretSet(path, secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

func readSecrets(path string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func secretGet(path, service, account string) (string, error) {
	secrets, err := readSecrets(path)
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func secretSet(path, service, account, value string) error {
	secrets, _ := readSecrets(path)
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}
