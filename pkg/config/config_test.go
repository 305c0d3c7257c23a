package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestApplyDefaults verifies the default configuration values.
func TestApplyDefaults(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Logging.Level = %q, want INFO", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" || cfg.Logging.Output != "stdout" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Server.ListenAddr != ":3240" {
		t.Errorf("Server.ListenAddr = %q, want :3240", cfg.Server.ListenAddr)
	}
	if cfg.Server.HubURL != "https://kbucket.flatironinstitute.org" {
		t.Errorf("Server.HubURL = %q", cfg.Server.HubURL)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Blob.Type != "filesystem" || cfg.Index.Type != "badger" {
		t.Errorf("store types = %q/%q", cfg.Blob.Type, cfg.Index.Type)
	}
	if cfg.Upload.MaxSizeMB != 1024 {
		t.Errorf("Upload.MaxSizeMB = %d, want 1024", cfg.Upload.MaxSizeMB)
	}
}

// TestApplyDefaultsPreservesExplicit verifies that set values survive.
func TestApplyDefaultsPreservesExplicit(t *testing.T) {
	cfg := Config{}
	cfg.Logging.Level = "debug"
	cfg.Server.ListenAddr = ":8080"
	cfg.Upload.MaxSizeMB = 10
	cfg.Upload.RatePerSecond = 5
	ApplyDefaults(&cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Logging.Level = %q, want normalized DEBUG", cfg.Logging.Level)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("Server.ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Upload.MaxSizeMB != 10 {
		t.Errorf("Upload.MaxSizeMB = %d", cfg.Upload.MaxSizeMB)
	}
	// Burst derives from the rate when unset.
	if cfg.Upload.Burst != 10 {
		t.Errorf("Upload.Burst = %d, want 10", cfg.Upload.Burst)
	}
}

// TestValidate verifies struct-tag and custom validation.
func TestValidate(t *testing.T) {
	valid := func() *Config {
		var cfg Config
		ApplyDefaults(&cfg)
		return &cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "VERBOSE" }, true},
		{"bad blob type", func(c *Config) { c.Blob.Type = "tape" }, true},
		{"bad index type", func(c *Config) { c.Index.Type = "postgres" }, true},
		{"bad hub url", func(c *Config) { c.Server.HubURL = "not a url" }, true},
		{"non-string badger path", func(c *Config) { c.Index.Badger["db_path"] = 7 }, true},
		{"s3 blob type", func(c *Config) { c.Blob.Type = "s3" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr && err == nil {
				t.Error("Validate() should have failed")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() failed: %v", err)
			}
		})
	}
}

// TestStorageDirs verifies the derived data directories.
func TestStorageDirs(t *testing.T) {
	s := StorageConfig{DataDir: "/var/lib/kbucket"}
	if got := s.RawDir(); got != filepath.Join("/var/lib/kbucket", "raw") {
		t.Errorf("RawDir() = %q", got)
	}
	if got := s.StagingDir(); got != filepath.Join("/var/lib/kbucket", "uploads_in_progress") {
		t.Errorf("StagingDir() = %q", got)
	}
}

// TestMaxSizeBytes verifies the megabyte conversion.
func TestMaxSizeBytes(t *testing.T) {
	u := UploadConfig{MaxSizeMB: 3}
	if got := u.MaxSizeBytes(); got != 3*1024*1024 {
		t.Errorf("MaxSizeBytes() = %d", got)
	}
}

// TestLoadFromFile verifies YAML loading with defaults filling the gaps.
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  listen_addr: ":9999"
storage:
  data_dir: ` + dir + `
upload:
  max_size_mb: 64
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Storage.DataDir != dir {
		t.Errorf("DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Upload.MaxSizeMB != 64 {
		t.Errorf("MaxSizeMB = %d", cfg.Upload.MaxSizeMB)
	}
	// Unset fields come from defaults.
	if cfg.Logging.Level != "INFO" || cfg.Blob.Type != "filesystem" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

// TestLoadMissingFileUsesDefaults verifies that an absent config file is not
// an error.
func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":3240" {
		t.Errorf("ListenAddr = %q, want default", cfg.Server.ListenAddr)
	}
}
