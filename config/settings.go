package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Settings represents the configuration persisted to disk. The transport
// library only consumes the Client section; Log and Dump exist for the
// dumpstream tool.
type Settings struct {
	Client ClientSettings `json:"client"`
	Log    LogConfig      `json:"log"`
	Dump   DumpSettings   `json:"dump"`
}

// ClientSettings tunes the SABR transport.
type ClientSettings struct {
	// RequestTimeoutSec bounds a single fetch operation end to end.
	RequestTimeoutSec int `json:"requestTimeoutSec"`
	// MaxBackoffOccurrences is how many server backoff instructions one
	// operation tolerates before the session is declared wedged.
	MaxBackoffOccurrences int `json:"maxBackoffOccurrences"`
	// MaxPolicyRetries caps redirect/policy-triggered request re-issues
	// within one operation.
	MaxPolicyRetries int    `json:"maxPolicyRetries"`
	UserAgent        string `json:"userAgent"`
}

// RequestTimeout returns RequestTimeoutSec as a duration.
func (c ClientSettings) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// DumpSettings configures the dumpstream tool.
type DumpSettings struct {
	OutputDirectory string `json:"outputDirectory"`
	// FetchAttempts is how often dumpstream retries a whole segment fetch.
	FetchAttempts int `json:"fetchAttempts"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	File       string `json:"file"`
	Level      string `json:"level"`
	MaxSize    int    `json:"maxSize"`
	MaxBackups int    `json:"maxBackups"`
	MaxAge     int    `json:"maxAge"`
	Compress   bool   `json:"compress"`
}

func DefaultSettings() Settings {
	return Settings{
		Client: ClientSettings{
			RequestTimeoutSec:     30,
			MaxBackoffOccurrences: 3,
			MaxPolicyRetries:      100,
			UserAgent:             "sabrstream/1.0",
		},
		Log: LogConfig{
			File:       "cache/logs/sabrstream.log",
			Level:      "info",
			MaxSize:    50, // MB per file
			MaxBackups: 3,
			MaxAge:     7, // days
			Compress:   true,
		},
		Dump: DumpSettings{
			OutputDirectory: "cache/dumps",
			FetchAttempts:   3,
		},
	}
}

// Manager loads and persists settings to a JSON file.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads settings from disk, creating the file with defaults when it
// does not exist. Zero-valued client fields are filled from defaults so a
// hand-trimmed file keeps working.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}

	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	var s Settings
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return Settings{}, err
	}
	s.normalize()
	return s, nil
}

func (s *Settings) normalize() {
	defaults := DefaultSettings()
	if s.Client.RequestTimeoutSec <= 0 {
		s.Client.RequestTimeoutSec = defaults.Client.RequestTimeoutSec
	}
	if s.Client.MaxBackoffOccurrences <= 0 {
		s.Client.MaxBackoffOccurrences = defaults.Client.MaxBackoffOccurrences
	}
	if s.Client.MaxPolicyRetries <= 0 {
		s.Client.MaxPolicyRetries = defaults.Client.MaxPolicyRetries
	}
	if s.Client.UserAgent == "" {
		s.Client.UserAgent = defaults.Client.UserAgent
	}
	if s.Log.Level == "" {
		s.Log.Level = defaults.Log.Level
	}
	if s.Dump.OutputDirectory == "" {
		s.Dump.OutputDirectory = defaults.Dump.OutputDirectory
	}
	if s.Dump.FetchAttempts <= 0 {
		s.Dump.FetchAttempts = defaults.Dump.FetchAttempts
	}
}

func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}
