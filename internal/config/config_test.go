package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.DiscoveryInterval != 5*time.Second {
		t.Errorf("DiscoveryInterval = %v, want 5s", cfg.DiscoveryInterval)
	}
	if cfg.DiscoveryWindow != 5*time.Second {
		t.Errorf("DiscoveryWindow = %v, want 5s", cfg.DiscoveryWindow)
	}
	if cfg.Headless {
		t.Error("Headless should default to false")
	}
	if cfg.SharedDir != "" || cfg.DownloadDir != "" {
		t.Errorf("folders should be unset, got %q %q", cfg.SharedDir, cfg.DownloadDir)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PEERSHARE_PORT", "5000")
	t.Setenv("PEERSHARE_ROOT_ONLY", "true")
	t.Setenv("PEERSHARE_EXCLUDED_MASKS", "*.tmp, *.part ,")
	t.Setenv("PEERSHARE_DISCOVERY_INTERVAL", "250ms")
	t.Setenv("PEERSHARE_CHUNK_RETRIES", "nope")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 5000 {
		t.Errorf("Port = %d, want 5000", cfg.Port)
	}
	if !cfg.RootOnly {
		t.Error("RootOnly should be true")
	}
	if len(cfg.ExcludedMasks) != 2 || cfg.ExcludedMasks[0] != "*.tmp" || cfg.ExcludedMasks[1] != "*.part" {
		t.Errorf("ExcludedMasks = %v", cfg.ExcludedMasks)
	}
	if cfg.DiscoveryInterval != 250*time.Millisecond {
		t.Errorf("DiscoveryInterval = %v", cfg.DiscoveryInterval)
	}
	if cfg.ChunkRetries != 3 {
		t.Errorf("ChunkRetries = %d, want fallback 3", cfg.ChunkRetries)
	}
}

func TestLoad_HeadlessLegacyFlag(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DOCKER_BOOL", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Headless {
		t.Fatal("DOCKER_BOOL should enable headless mode")
	}
	if cfg.SharedDir != "/shared" || cfg.DownloadDir != "/downloads" {
		t.Errorf("headless folders = %q %q", cfg.SharedDir, cfg.DownloadDir)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PEERSHARE_PORT", "70000")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}
