// Package settings persists user-editable daemon settings and third-party
// integration credentials under the state root.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ami/internal/errors"
	"ami/internal/logging"
)

const (
	settingsFile     = "settings.json"
	integrationsFile = "integrations.json"
)

// Settings is the user-facing daemon configuration surface.
type Settings struct {
	LLMProvider string `json:"llm_provider,omitempty"`
	LLMModel    string `json:"llm_model,omitempty"`
	MaxSteps    int    `json:"max_steps,omitempty"`
	LogLevel    string `json:"log_level,omitempty"`
	Shell       string `json:"shell,omitempty"`
}

// Integration is one external service credential.
type Integration struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Store reads and writes the settings files atomically.
type Store struct {
	root   string
	logger logging.Logger
	mu     sync.Mutex
}

// NewStore creates a store rooted at the state directory.
func NewStore(root string) *Store {
	return &Store{root: root, logger: logging.NewComponentLogger("Settings")}
}

// Load reads settings, returning zero values when the file does not exist
// yet.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out Settings
	err := s.readJSON(settingsFile, &out)
	return out, err
}

// Save persists settings.
func (s *Store) Save(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(settingsFile, settings)
}

// Integrations lists stored integrations with their credentials masked.
// The daemon shows credentials, it never echoes them back whole.
func (s *Store) Integrations() ([]Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Integration
	if err := s.readJSON(integrationsFile, &all); err != nil {
		return nil, err
	}
	masked := make([]Integration, len(all))
	for i, integ := range all {
		integ.APIKey = MaskCredential(integ.APIKey)
		masked[i] = integ
	}
	return masked, nil
}

// SetIntegration adds or replaces an integration by name.
func (s *Store) SetIntegration(integ Integration) error {
	if strings.TrimSpace(integ.Name) == "" {
		return errors.New(errors.KindInvalidInput, "integration name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []Integration
	if err := s.readJSON(integrationsFile, &all); err != nil {
		return err
	}
	replaced := false
	for i := range all {
		if all[i].Name == integ.Name {
			all[i] = integ
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, integ)
	}
	return s.writeJSON(integrationsFile, all)
}

// Credential returns the unmasked key for one integration, for internal use
// by clients that actually call the service.
func (s *Store) Credential(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Integration
	if err := s.readJSON(integrationsFile, &all); err != nil {
		return "", err
	}
	for _, integ := range all {
		if integ.Name == name {
			return integ.APIKey, nil
		}
	}
	return "", errors.New(errors.KindNotFound, "integration not found: %s", name)
}

func (s *Store) readJSON(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// writeJSON writes via a temp file and rename so a crash never leaves a
// half-written settings file.
func (s *Store) writeJSON(name string, v any) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	target := filepath.Join(s.root, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// MaskCredential shows just enough of a key to recognize it: the first six
// and last four characters. Short keys mask entirely.
func MaskCredential(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 12 {
		return "***"
	}
	return key[:6] + "***" + key[len(key)-4:]
}
