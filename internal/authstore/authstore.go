// Package authstore persists the admin console's bearer token across
// runs, using the OS keyring in normal operation and a plain file
// instead when SHELLMUX_SKIP_KEYRING is set to "1"/"true" or
// SHELLMUX_CONFIG_DIR is set (e.g. under test or on a headless CI
// runner with no secret service running). A keyring error is returned
// to the caller; it does not switch storage to the file.
package authstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "shellmux-console"
	keyringUser    = "admin-token"
)

// skipKeyring mirrors the teacher's test-mode escape hatch: an
// explicit env var, or the presence of an override config dir, means
// the caller wants file-based storage instead of the OS keyring.
func skipKeyring() bool {
	if v := os.Getenv("SHELLMUX_SKIP_KEYRING"); v == "1" || strings.EqualFold(v, "true") {
		return true
	}
	_, hasConfigDir := os.LookupEnv("SHELLMUX_CONFIG_DIR")
	return hasConfigDir
}

func tokenFilePath() (string, error) {
	dir := os.Getenv("SHELLMUX_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".config", "shellmux")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return filepath.Join(dir, "console-token"), nil
}

// Save persists token for future console runs.
func Save(token string) error {
	if skipKeyring() {
		path, err := tokenFilePath()
		if err != nil {
			return err
		}
		return os.WriteFile(path, []byte(token), 0600)
	}
	return keyring.Set(keyringService, keyringUser, token)
}

// Load retrieves a previously saved token. Returns an empty string and
// no error if none has been saved yet.
func Load() (string, error) {
	if skipKeyring() {
		path, err := tokenFilePath()
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	token, err := keyring.Get(keyringService, keyringUser)
	if err == keyring.ErrNotFound {
		return "", nil
	}
	return token, err
}

// Clear removes a previously saved token, if any.
func Clear() error {
	if skipKeyring() {
		path, err := tokenFilePath()
		if err != nil {
			return err
		}
		err = os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	err := keyring.Delete(keyringService, keyringUser)
	if err == keyring.ErrNotFound {
		return nil
	}
	return err
}
