package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sebas/callrouter/internal/router/backend"
)

// backendsFile is the JSON structure of the backends configuration file.
type backendsFile struct {
	Version  string         `json:"version"`
	Backends []backendEntry `json:"backends"`
}

type backendEntry struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	PSTN    bool   `json:"pstn,omitempty"`
	Test    bool   `json:"test,omitempty"`
}

// LoadBackends reads and validates the backends configuration file.
func LoadBackends(path string) ([]backend.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var file backendsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	seen := make(map[string]bool, len(file.Backends))
	descs := make([]backend.Descriptor, 0, len(file.Backends))
	for i, e := range file.Backends {
		if e.ID == "" {
			return nil, fmt.Errorf("backend %d: id required", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("backend %d (%s): duplicate id", i, e.ID)
		}
		seen[e.ID] = true
		descs = append(descs, backend.Descriptor{
			ID:      e.ID,
			Address: e.Address,
			PSTN:    e.PSTN,
			Test:    e.Test,
		})
	}
	return descs, nil
}
