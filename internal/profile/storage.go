package profile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPath is where the profile of email lives unless configured.
func DefaultPath(email string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	name := strings.NewReplacer("@", "_at_", "/", "_").Replace(strings.ToLower(email))
	return filepath.Join(homeDir, ".chatsec", name+"_profile.json"), nil
}

func checkProfilePath(path string) error {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrProfileNotFound.WithDetails(path)
	}
	return err
}

func createProfileDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
