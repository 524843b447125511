// Package settings persists the agent's enrollment (server URL and node
// credential) in a JSON file under the user's home directory.
package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Credentials contains the persisted node enrollment.
type Credentials struct {
	ServerURL  string `json:"server"`
	NodeID     int64  `json:"node_id"`
	Credential string `json:"credential"`
}

// Path returns the default state file path. It uses the user's home
// directory so the credential survives temp-dir cleanup.
func Path() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, ".cat4igp", "agent.json")
}

// Load reads and validates the state file at path.
func Load(path string) (Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	var s Credentials
	if err := json.Unmarshal(raw, &s); err != nil {
		return Credentials{}, err
	}
	s.ServerURL = strings.TrimSpace(s.ServerURL)
	s.Credential = strings.TrimSpace(s.Credential)
	if s.ServerURL == "" || s.Credential == "" {
		return Credentials{}, errors.New("state file is missing `server` or `credential`")
	}
	return s, nil
}

// Save writes validated credentials to path with 0600 permissions.
func Save(path string, s Credentials) error {
	s.ServerURL = strings.TrimSpace(s.ServerURL)
	s.Credential = strings.TrimSpace(s.Credential)
	if s.ServerURL == "" || s.Credential == "" {
		return errors.New("`server` and `credential` are required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
