package config

import "fmt"

// ConfigBackend abstracts platform-specific config storage.
// macOS uses UserDefaults (via `defaults` CLI) and Linux a JSON file under
// XDG_CONFIG_HOME. Keys are the dotted names from specs, such as
// "browser.step_timeout" or "chains.cgv.id". Chain logins, LLM
// API keys and the API token never go through a backend; they live in the
// secret store.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// secretSpec returns the spec for key when it names a secret.
func secretSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key && s.secret {
			return s, true
		}
	}
	return keySpec{}, false
}

// plainKey rejects secret keys bound for a plain config backend.
func plainKey(key string) error {
	if s, ok := secretSpec(key); ok {
		return fmt.Errorf("%s is a secret; set %s or store it in the secret store", key, s.env)
	}
	return nil
}
