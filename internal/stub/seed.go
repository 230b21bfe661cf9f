package stub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"sandbox/internal/logger"
	"sandbox/internal/types"
)

// Seed describes fixture accounts and strategies loaded at stub startup.
type Seed struct {
	Users []SeedUser `yaml:"users"`
}

type SeedUser struct {
	Email      string         `yaml:"email"`
	Password   string         `yaml:"password"`
	Strategies []SeedStrategy `yaml:"strategies"`
}

type SeedStrategy struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

// ReadSeed parses a YAML seed file, rejecting unknown fields.
func ReadSeed(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file failed: %w", err)
	}
	var seed Seed
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed file failed: %w", err)
	}
	return seed, nil
}

// ApplySeed creates seeded users that do not exist yet, together with their
// strategies. Existing users are left untouched.
func ApplySeed(ctx context.Context, store *Store, seed Seed) error {
	for _, u := range seed.Users {
		user, err := store.CreateUser(ctx, u.Email, u.Password, true)
		if errors.Is(err, ErrUserExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed user %s: %w", u.Email, err)
		}
		for _, st := range u.Strategies {
			typ, ok := types.ParseStrategyType(st.Type)
			if !ok {
				return fmt.Errorf("seed strategy %q: unknown type %q", st.Name, st.Type)
			}
			if strings.TrimSpace(st.Name) == "" {
				return fmt.Errorf("seed strategy for %s: name is required", u.Email)
			}
			if _, err := store.CreateStrategy(ctx, user.ID, st.Name, typ, normalizeYAML(st.Config)); err != nil {
				return fmt.Errorf("seed strategy %q: %w", st.Name, err)
			}
		}
		logger.Infof("stub: seeded %s with %d strategies", user.Email, len(u.Strategies))
	}
	return nil
}

// normalizeYAML converts nested map[any]any produced by YAML into JSON-safe maps.
func normalizeYAML(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeYAML(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[fmt.Sprint(k)] = normalizeValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = normalizeValue(child)
		}
		return out
	default:
		return v
	}
}
