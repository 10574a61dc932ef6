//go:build darwin

package config

import (
	"fmt"
	"os/exec"
)

func keychainGet(service, account string) ([]byte, error) {
	return exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
}

func keychainSet(service, account, value string) error {
	if _, ok := secretSpec(account); !ok {
		return fmt.Errorf("%q is not a secret config key", account)
	}
	return exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).Run()
}
