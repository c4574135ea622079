package zcl

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// clusterFile is the JSON structure for files in the clusters directory.
type clusterFile struct {
	Clusters []ClusterDef `json:"clusters"`
}

// LoadClusterDir reads all *.json files from dir and registers the vendor
// clusters they declare. A missing or empty directory is not an error.
// Must run before Freeze.
func LoadClusterDir(dir string, registry *Registry, logger *slog.Logger) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("glob clusters dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no cluster definition files found", "dir", dir)
		return 0, nil
	}

	var count int
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return count, fmt.Errorf("read %s: %w", path, err)
		}

		var cf clusterFile
		if err := json.Unmarshal(data, &cf); err != nil {
			return count, fmt.Errorf("parse %s: %w", path, err)
		}

		for _, c := range cf.Clusters {
			if err := registry.Register(c); err != nil {
				return count, fmt.Errorf("%s: %w", path, err)
			}
			count++
		}
		logger.Info("loaded cluster file", "file", filepath.Base(path), "clusters", len(cf.Clusters))
	}
	return count, nil
}
