package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScanDeviceProfiles reads one DeviceConfig per *.yaml or *.yml file in dir.
// A missing directory yields no profiles. A profile without an id takes its
// file name.
func ScanDeviceProfiles(dir string) ([]DeviceConfig, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan device profiles %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	profiles := make([]DeviceConfig, 0, len(names))
	for _, name := range names {
		profile, err := ReadDeviceProfile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if profile.ID == "" {
			profile.ID = strings.TrimSuffix(name, filepath.Ext(name))
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// ReadDeviceProfile parses a single device profile.
func ReadDeviceProfile(path string) (DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DeviceConfig{}, err
	}
	var profile DeviceConfig
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return DeviceConfig{}, fmt.Errorf("parse device profile %s: %w", path, err)
	}
	return profile, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
