//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// secretsFilePath is where secrets live off macOS. The file maps the
// "cinepyle" service to the secret spec keys: server.api_token, the
// llm.openrouter_api_key and llm.openai_api_key keys, and the
// chains.<chain>.id and chains.<chain>.password logins.
func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "cinepyle", "secrets.json")
}

func readSecrets(p string) (map[string]map[string]string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		fmt.Fprintf(os.Stderr, "[WARN] %s holds chain passwords and is readable by others (mode %v). Run chmod 600 on it.\n", p, info.Mode().Perm())
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func keychainGet(service, account string) ([]byte, error) {
	secrets, err := readSecrets(secretsFilePath())
	if err != nil {
		return nil, err
	}
	svc, ok := secrets[service]
	if !ok {
		return nil, fmt.Errorf("service %q not found", service)
	}
	val, ok := svc[account]
	if !ok {
		return nil, fmt.Errorf("account %q not found in service %q", account, service)
	}
	return []byte(val), nil
}

// keychainSet stores one secret. Only secret spec keys are accepted, so the
// file cannot collect values Load would never read.
func keychainSet(service, account, value string) error {
	if _, ok := secretSpec(account); !ok {
		return fmt.Errorf("%q is not a secret config key", account)
	}
	p := secretsFilePath()

	secrets, err := readSecrets(p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(p, out)
}
