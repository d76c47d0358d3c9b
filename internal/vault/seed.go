package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Models []Entry `yaml:"models"`
}

// LoadSeeds reads initial entries from a YAML file and from an inline JSON
// array. JSON entries override file entries with the same id.
func LoadSeeds(path, inlineJSON string) ([]Entry, error) {
	byID := map[string]int{}
	out := make([]Entry, 0)
	add := func(e Entry) {
		if i, ok := byID[e.ID]; ok {
			out[i] = e
			return
		}
		byID[e.ID] = len(out)
		out = append(out, e)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read vault seed file: %w", err)
		}
		var f seedFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse vault seed file: %w", err)
		}
		for _, e := range f.Models {
			add(e)
		}
	}

	if strings.TrimSpace(inlineJSON) != "" {
		var entries []Entry
		if err := json.Unmarshal([]byte(inlineJSON), &entries); err != nil {
			return nil, fmt.Errorf("parse VAULT_SEED_JSON: %w", err)
		}
		for _, e := range entries {
			add(e)
		}
	}

	for i := range out {
		if err := validate(&out[i]); err != nil {
			return nil, fmt.Errorf("seed %q: %w", out[i].ID, err)
		}
	}
	return out, nil
}

// Seed writes entries into an empty store. A store that already holds
// entries is left untouched so owner edits survive restarts.
func Seed(ctx context.Context, store Store, entries []Entry) (int, error) {
	existing, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	for _, e := range entries {
		e := e
		if err := validate(&e); err != nil {
			return 0, fmt.Errorf("seed %q: %w", e.ID, err)
		}
		if err := store.Put(ctx, e); err != nil {
			return 0, fmt.Errorf("seed %q: %w", e.ID, err)
		}
	}
	return len(entries), nil
}
