//go:build darwin

package config

import (
	"fmt"
	"os/exec"
	"strings"
)

func security(args ...string) (string, error) {
	out, err := exec.Command("security", args...).Output()
	if err != nil {
		return "", fmt.Errorf("security %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

func keychainGet(service, account string) ([]byte, error) {
	v, err := security("find-generic-password", "-s", service, "-a", account, "-w")
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

// keychainSet adds or updates (-U) the generic password.
func keychainSet(service, account, value string) error {
	_, err := security("add-generic-password", "-U", "-s", service, "-a", account, "-w", value)
	return err
}
