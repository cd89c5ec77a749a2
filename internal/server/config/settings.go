// Package config seeds the Setting table from a declarative YAML
// file on first boot, grounded on the yaml.v3 config-loading pattern used
// throughout the retrieval pack (99souls-ariadne, jaakkos-stringwork,
// zkoranges-go-claw). DB rows always win once present — seeding only ever
// inserts a row that doesn't already exist.
package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/itskum47/fluxguard/internal/server/store"
)

// SeedFile is the on-disk shape of the settings seed.
type SeedFile struct {
	Settings []SeedEntry `yaml:"settings"`
}

type SeedEntry struct {
	Key      string `yaml:"key"`
	Value    string `yaml:"value"`
	Label    string `yaml:"label"`
	Category string `yaml:"category"`
}

// DefaultSeed mirrors the pacing/offline/disk-scan defaults so
// the system has sane values even without a settings.yaml on disk.
func DefaultSeed() SeedFile {
	return SeedFile{Settings: []SeedEntry{
		{Key: "checkin_plugged_seconds", Value: "30", Label: "Plugged-in check-in interval", Category: "pacing"},
		{Key: "checkin_battery_100_80_seconds", Value: "60", Label: "Battery 100-80% interval", Category: "pacing"},
		{Key: "checkin_battery_79_50_seconds", Value: "180", Label: "Battery 79-50% interval", Category: "pacing"},
		{Key: "checkin_battery_49_20_seconds", Value: "300", Label: "Battery 49-20% interval", Category: "pacing"},
		{Key: "checkin_battery_19_10_seconds", Value: "600", Label: "Battery 19-10% interval", Category: "pacing"},
		{Key: "checkin_battery_9_0_seconds", Value: "900", Label: "Battery 9-0% interval", Category: "pacing"},
		{Key: "disk_scan_interval_days", Value: "7", Label: "Disk scan interval", Category: "scans"},
		{Key: "offline_minutes", Value: "10", Label: "Offline detection window", Category: "alerts"},
	}}
}

// LoadSeedFile reads path as YAML, falling back to DefaultSeed if path is
// empty or unreadable.
func LoadSeedFile(path string) SeedFile {
	if path == "" {
		return DefaultSeed()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultSeed()
	}
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return DefaultSeed()
	}
	if len(sf.Settings) == 0 {
		return DefaultSeed()
	}
	return sf
}

// Seed inserts every entry that doesn't already have a DB row.
func Seed(ctx context.Context, s store.Store, sf SeedFile) error {
	for _, e := range sf.Settings {
		if err := s.SeedSettingIfAbsent(ctx, &store.Setting{
			Key: e.Key, Value: e.Value, Label: e.Label, Category: e.Category,
		}); err != nil {
			return fmt.Errorf("seed setting %s: %w", e.Key, err)
		}
	}
	return nil
}
