package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERLINK_DATA_DIR"
	// DefaultListenAddress binds every interface on a free port.
	DefaultListenAddress = ":0"
	// DefaultChunkSize is the resource chunk size used when none is configured.
	DefaultChunkSize = 256 * 1024
	// MaxChunkSize bounds configured chunk sizes.
	MaxChunkSize = 8 * 1024 * 1024
	// DefaultInviteTimeoutSeconds bounds how long an invitation waits for an answer.
	DefaultInviteTimeoutSeconds = 30
	// DefaultLogLevel is the logrus level used when none is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// fallbackDisplayName is used when the host name cannot be read.
	fallbackDisplayName = "peerlink device"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	PeerID               string `json:"peer_id"`
	DisplayName          string `json:"display_name"`
	ListenAddress        string `json:"listen_address"`
	IdentityKeyPath      string `json:"identity_key_path"`
	DownloadsDir         string `json:"downloads_dir"`
	ChunkSize            int    `json:"chunk_size"`
	InviteTimeoutSeconds int    `json:"invite_timeout_seconds"`
	LogLevel             string `json:"log_level"`
	// LocalOnly replaces multicast DNS with the in-process beacon, so only
	// peers inside this process are discovered.
	LocalOnly bool `json:"local_only"`
}

// InviteTimeout returns the configured invitation timeout. Zero waits indefinitely.
func (c *DeviceConfig) InviteTimeout() time.Duration {
	return time.Duration(c.InviteTimeoutSeconds) * time.Second
}

// Level parses LogLevel, falling back to info.
func (c *DeviceConfig) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "incoming"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// IncomingDir is where sessions stage received resources before the app
// copies them into DownloadsDir.
func IncomingDir(dataDir string) string {
	return filepath.Join(dataDir, "incoming")
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate resolves the data directory and delegates to LoadOrCreateIn.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn ensures directories and config exist under dataDir, then
// returns the normalized config and its path.
func LoadOrCreateIn(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{InviteTimeoutSeconds: DefaultInviteTimeoutSeconds}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func hostDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackDisplayName
}

func defaultDownloadsDir(dataDir string) string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Downloads", AppDirectoryName)
	}
	return filepath.Join(dataDir, "downloads")
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
		updated = true
	}

	if cfg.DisplayName == "" {
		cfg.DisplayName = hostDisplayName()
		updated = true
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
		updated = true
	}

	if cfg.IdentityKeyPath == "" {
		cfg.IdentityKeyPath = filepath.Join(dataDir, "keys", "identity_ed25519.pem")
		updated = true
	}

	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = defaultDownloadsDir(dataDir)
		updated = true
	}

	if cfg.ChunkSize <= 0 || cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}

	if cfg.InviteTimeoutSeconds < 0 {
		cfg.InviteTimeoutSeconds = DefaultInviteTimeoutSeconds
		updated = true
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}
