package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  postgresDsn: host=db\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Listen != ":8000" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Server.PostgresDsn != "host=db" {
		t.Errorf("dsn = %q", cfg.Server.PostgresDsn)
	}
	if cfg.Storage.DataDir != "data" {
		t.Errorf("data dir = %q", cfg.Storage.DataDir)
	}
	if cfg.Conversion.CacheDir != filepath.Join("data", "cache") {
		t.Errorf("cache dir = %q", cfg.Conversion.CacheDir)
	}
	if cfg.Conversion.ToolTimeout != 60*time.Second {
		t.Errorf("tool timeout = %v", cfg.Conversion.ToolTimeout)
	}
	if cfg.Documents.PreviewSize != 700 {
		t.Errorf("preview size = %d", cfg.Documents.PreviewSize)
	}
	if cfg.Antivirus.StreamMaxLength != 25*1024*1024 {
		t.Errorf("stream max length = %d", cfg.Antivirus.StreamMaxLength)
	}
}

func TestLoadDerivesConversionDirsFromDataDir(t *testing.T) {
	cfg, err := Load(writeConfig(t, "storage:\n  dataDir: /srv/corpus\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Conversion.TmpDir != filepath.Join("/srv/corpus", "tmp") {
		t.Errorf("tmp dir = %q", cfg.Conversion.TmpDir)
	}
	if cfg.Storage.FilesDir() != filepath.Join("/srv/corpus", "files") {
		t.Errorf("files dir = %q", cfg.Storage.FilesDir())
	}
}

func TestLoadExplicitValuesWin(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  listen: ":9000"
documents:
  previewSize: 320
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Listen != ":9000" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Documents.PreviewSize != 320 {
		t.Errorf("preview size = %d", cfg.Documents.PreviewSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestLockDirEnvOverride(t *testing.T) {
	t.Setenv(EnvInstanceVarRun, "/var/run/corpus")

	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Conversion.LockDir != "/var/run/corpus" {
		t.Errorf("lock dir = %q", cfg.Conversion.LockDir)
	}
}
