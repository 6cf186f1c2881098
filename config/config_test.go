package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.PeerID == "" {
		t.Fatalf("expected non-empty peer ID")
	}
	if firstCfg.DisplayName == "" {
		t.Fatalf("expected a default display name")
	}
	if firstCfg.ListenAddress != DefaultListenAddress {
		t.Fatalf("expected default listen address %q, got %q", DefaultListenAddress, firstCfg.ListenAddress)
	}
	if firstCfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSize, firstCfg.ChunkSize)
	}
	if firstCfg.InviteTimeout() != DefaultInviteTimeoutSeconds*time.Second {
		t.Fatalf("expected default invite timeout, got %s", firstCfg.InviteTimeout())
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.PeerID != firstCfg.PeerID {
		t.Fatalf("expected stable peer ID, got %q then %q", firstCfg.PeerID, secondCfg.PeerID)
	}
	if secondCfg.IdentityKeyPath != firstCfg.IdentityKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.IdentityKeyPath, secondCfg.IdentityKeyPath)
	}
}

func TestLoadOrCreateNormalizesInvalidValues(t *testing.T) {
	tempDir := t.TempDir()

	cfgPath := ConfigPath(tempDir)
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &DeviceConfig{
		PeerID:               "legacy-peer",
		DisplayName:          "Legacy",
		ChunkSize:            MaxChunkSize * 2,
		InviteTimeoutSeconds: -5,
		LogLevel:             "loud",
	}
	if err := Save(cfgPath, legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreateIn(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreateIn failed: %v", err)
	}
	if cfg.PeerID != "legacy-peer" || cfg.DisplayName != "Legacy" {
		t.Fatalf("expected identity to be retained, got %+v", cfg)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected oversized chunk size to normalize, got %d", cfg.ChunkSize)
	}
	if cfg.InviteTimeout() != DefaultInviteTimeoutSeconds*time.Second {
		t.Fatalf("expected default invite timeout, got %s", cfg.InviteTimeout())
	}
	if cfg.Level() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", cfg.Level())
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.LogLevel != DefaultLogLevel {
		t.Fatalf("expected normalized config to be persisted, got %q", reloaded.LogLevel)
	}
}
