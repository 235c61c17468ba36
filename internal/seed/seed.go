// Package seed loads a bootstrap TOML file that pre-populates outbound
// integration configs at process start, for deployments that provision
// thermobridge declaratively instead of through the control API.
package seed

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
)

// File is the decoded shape of a seed file on disk.
type File struct {
	Integrations []IntegrationEntry `toml:"integration"`
}

// IntegrationEntry mirrors model.IntegrationConfig with a TOML-friendly
// Config map in place of statevalue.Value.
type IntegrationEntry struct {
	UserID  string                 `toml:"user_id"`
	Type    string                 `toml:"type"`
	Enabled bool                   `toml:"enabled"`
	Config  map[string]interface{} `toml:"config"`
}

// Load decodes a seed file from path. A missing file is not an error —
// seeding is optional.
func Load(path string) (File, error) {
	var f File
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return f, nil
	}
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return f, fmt.Errorf("parse integration seed file: %w", err)
	}
	return f, nil
}

// Apply upserts every entry in f into st, skipping entries whose
// (type, user_id) pair already has a stored config — seeding never
// overwrites state the control API has since taken ownership of.
func Apply(ctx context.Context, st store.Store, f File) (int, error) {
	applied := 0
	for _, e := range f.Integrations {
		if e.Type == "" || e.UserID == "" {
			continue
		}
		existing, err := st.ListEnabledIntegrations(ctx, e.Type)
		if err != nil {
			return applied, fmt.Errorf("check existing integrations: %w", err)
		}
		if hasUser(existing, e.UserID) {
			continue
		}
		cfg := model.IntegrationConfig{
			UserID:    e.UserID,
			Type:      e.Type,
			Enabled:   e.Enabled,
			Config:    statevalue.FromAny(e.Config),
			UpdatedAt: time.Now(),
		}
		if err := st.UpsertIntegrationConfig(ctx, cfg); err != nil {
			return applied, fmt.Errorf("seed integration %s: %w", cfg.Key(), err)
		}
		applied++
	}
	return applied, nil
}

func hasUser(configs []model.IntegrationConfig, userID string) bool {
	for _, c := range configs {
		if c.UserID == userID {
			return true
		}
	}
	return false
}
