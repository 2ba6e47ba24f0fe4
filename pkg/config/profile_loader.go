package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ShopProfile is a per-shop configuration profile. Shops differ in
// repair policy, which union kinds are exempt from inspection, and
// how hard their spreadsheet backend may be driven.
type ShopProfile struct {
	Name               string   `yaml:"name" json:"name"`
	Code               string   `yaml:"code" json:"code"`
	MaxRepairCycles    int      `yaml:"max_repair_cycles" json:"max_repair_cycles"`
	NotApplicableKinds []string `yaml:"not_applicable_kinds,omitempty" json:"not_applicable_kinds,omitempty"`
	WritesPerMinute    int      `yaml:"writes_per_minute" json:"writes_per_minute"`
	WriteBurst         int      `yaml:"write_burst" json:"write_burst"`
}

// LoadProfile loads a shop profile YAML by shop code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*ShopProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile ShopProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles
// directory, keyed by shop code.
func LoadAllProfiles(profilesDir string) (map[string]*ShopProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*ShopProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile ShopProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// Apply overlays the profile's settings onto cfg.
func (p *ShopProfile) Apply(cfg *Config) {
	if p.MaxRepairCycles > 0 {
		cfg.MaxRepairCycles = p.MaxRepairCycles
	}
	if p.WritesPerMinute > 0 {
		cfg.StoreWritesPerMinute = p.WritesPerMinute
	}
	if p.WriteBurst > 0 {
		cfg.StoreWriteBurst = p.WriteBurst
	}
}
