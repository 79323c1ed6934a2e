package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8080" || cfg.Database.Driver != "sqlite" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Scheduler.Interval.Std() != 30*time.Second {
		t.Fatalf("interval default %v", cfg.Scheduler.Interval.Std())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}

	// A second load reads the persisted file.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if *again != *cfg {
		t.Fatalf("reload mismatch: %+v vs %+v", again, cfg)
	}
}

func TestLoadParsesDurationsAndSecrets(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "secret")
	if err := os.WriteFile(secretPath, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	path := filepath.Join(dir, "gateway.toml")
	body := `
ListenAddress = ":9090"
ArchivePath = "/var/lib/ebicsgw/archive.db"

[Database]
Driver = "postgres"
DSN = "host=localhost dbname=ebicsgw"

[Auth]
SecretFile = "` + secretPath + `"
Issuer = "ops-proxy"

[Scheduler]
Interval = "5s"
MaxBackoff = "2m"

[Log]
Level = "debug"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Interval.Std() != 5*time.Second || cfg.Scheduler.MaxBackoff.Std() != 2*time.Minute {
		t.Fatalf("durations %+v", cfg.Scheduler)
	}
	secret, err := cfg.AuthSecret()
	if err != nil {
		t.Fatalf("auth secret: %v", err)
	}
	if string(secret) != "s3cret" {
		t.Fatalf("secret %q", secret)
	}
}

func TestLoadRejectsBadDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	body := "[Database]\nDriver = \"oracle\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("bad driver accepted")
	}
}
