package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"STORE_PATH", "POSTGRES_URL", "REDIS_ADDR", "LOG_LEVEL",
		"MAX_REPAIR_CYCLES", "CONFLICT_MAX_ATTEMPTS", "BACKOFF_BASE_MS",
		"STORE_WRITES_PER_MINUTE",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.StorePath != "spooltrack.db" {
		t.Fatalf("StorePath = %q", cfg.StorePath)
	}
	if cfg.MaxRepairCycles != 3 || cfg.ConflictMaxAttempts != 5 {
		t.Fatalf("bounds: repair %d, attempts %d", cfg.MaxRepairCycles, cfg.ConflictMaxAttempts)
	}
	if cfg.BackoffBaseMs != 100 || cfg.BackoffMaxMs != 3000 || cfg.BackoffMaxJitterMs != 250 {
		t.Fatalf("backoff: %d/%d/%d", cfg.BackoffBaseMs, cfg.BackoffMaxMs, cfg.BackoffMaxJitterMs)
	}
	if cfg.StoreWritesPerMinute != 50 || cfg.StoreWriteBurst != 5 {
		t.Fatalf("rate: %d burst %d", cfg.StoreWritesPerMinute, cfg.StoreWriteBurst)
	}
	if cfg.LogLevel != "INFO" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://shop:pw@db/spooltrack")
	t.Setenv("MAX_REPAIR_CYCLES", "7")
	t.Setenv("CONFLICT_MAX_ATTEMPTS", "not-a-number")

	cfg := Load()
	if cfg.PostgresURL != "postgres://shop:pw@db/spooltrack" {
		t.Fatalf("PostgresURL = %q", cfg.PostgresURL)
	}
	if cfg.MaxRepairCycles != 7 {
		t.Fatalf("MaxRepairCycles = %d", cfg.MaxRepairCycles)
	}
	// Malformed values fall back to the default.
	if cfg.ConflictMaxAttempts != 5 {
		t.Fatalf("ConflictMaxAttempts = %d", cfg.ConflictMaxAttempts)
	}
}

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "north", `
name: North Fabrication Shop
code: north
max_repair_cycles: 2
not_applicable_kinds:
  - support
  - hanger
writes_per_minute: 20
write_burst: 3
`)

	p, err := LoadProfile(dir, "NORTH")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Name != "North Fabrication Shop" || p.Code != "north" {
		t.Fatalf("profile: %+v", p)
	}
	if len(p.NotApplicableKinds) != 2 || p.NotApplicableKinds[0] != "support" {
		t.Fatalf("kinds: %v", p.NotApplicableKinds)
	}

	cfg := Load()
	p.Apply(cfg)
	if cfg.MaxRepairCycles != 2 || cfg.StoreWritesPerMinute != 20 || cfg.StoreWriteBurst != 3 {
		t.Fatalf("apply: %+v", cfg)
	}
}

func TestLoadProfileMissing(t *testing.T) {
	if _, err := LoadProfile(t.TempDir(), "ghost"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "north", "name: North\ncode: north\n")
	// Code missing in the document: derived from the filename.
	writeProfile(t, dir, "south", "name: South\n")

	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles", len(profiles))
	}
	if profiles["south"] == nil || profiles["south"].Name != "South" {
		t.Fatalf("south profile: %+v", profiles["south"])
	}
}

func TestApplyIgnoresZeroValues(t *testing.T) {
	cfg := Load()
	before := *cfg
	(&ShopProfile{}).Apply(cfg)
	if *cfg != before {
		t.Fatalf("empty profile changed config: %+v", cfg)
	}
}
