package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// MissingCredential names one unresolvable required variable and where the
// requirement came from.
type MissingCredential struct {
	Name   string
	Source string // "core", "butler.env", or "module:<name>"
}

// CredentialError aggregates every missing required credential into a
// single startup failure.
type CredentialError struct {
	Missing []MissingCredential
}

// Error lists each missing variable with its source.
func (e *CredentialError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		parts[i] = fmt.Sprintf("%s (%s)", m.Name, m.Source)
	}
	return fmt.Sprintf("missing %d required credential(s): %s",
		len(e.Missing), strings.Join(parts, ", "))
}

// Requirements partitions the variables a butler needs at startup.
type Requirements struct {
	// Core variables every butler needs regardless of configuration.
	Core []string

	// Required / Optional come from butler.toml's [env] block.
	Required []string
	Optional []string

	// Modules maps module name to that module's credentials_env list.
	Modules map[string][]string
}

// ValidateCredentials resolves every required variable through the store's
// full chain and returns one aggregated CredentialError naming everything
// that is missing. Optional variables only produce a warning.
func ValidateCredentials(ctx context.Context, store *Store, req Requirements) error {
	var missing []MissingCredential

	check := func(name, source string) error {
		_, found, err := store.Resolve(ctx, name, true)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", name, err)
		}
		if !found {
			missing = append(missing, MissingCredential{Name: name, Source: source})
		}
		return nil
	}

	for _, name := range req.Core {
		if err := check(name, "core"); err != nil {
			return err
		}
	}
	for _, name := range req.Required {
		if err := check(name, "butler.env"); err != nil {
			return err
		}
	}

	moduleNames := make([]string, 0, len(req.Modules))
	for name := range req.Modules {
		moduleNames = append(moduleNames, name)
	}
	sort.Strings(moduleNames)
	for _, modName := range moduleNames {
		for _, name := range req.Modules[modName] {
			if err := check(name, "module:"+modName); err != nil {
				return err
			}
		}
	}

	for _, name := range req.Optional {
		_, found, err := store.Resolve(ctx, name, true)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", name, err)
		}
		if !found {
			slog.Warn("Optional credential not set", "name", name)
		}
	}

	if len(missing) > 0 {
		return &CredentialError{Missing: missing}
	}
	return nil
}
