package schema

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cohortbase-io/cohortbase/internal/config"
)

// ChangesFile is the YAML layout of a schema-changes file:
//
//	version: "2.0.0"
//	changes:
//	  - schema: experiment
//	    property: library_strategy
//	    deprecated_value: DNase-Hypersensitivity
//	    suggested_replacement: DNase-Seq
//	    version: "2.0.0"
type ChangesFile struct {
	Version string   `yaml:"version"`
	Changes []Change `yaml:"changes"`
}

const (
	// VersionEnvVar overrides the running schema version.
	VersionEnvVar = "COHORTBASE_SCHEMA_VERSION"

	// ChangesPathEnvVar points at an optional schema-changes YAML file.
	ChangesPathEnvVar = "COHORTBASE_SCHEMA_CHANGES_PATH"
)

// LoadChanges builds the change table from a YAML file at path.
//
// Behavior:
//   - Empty path or missing file: built-in DefaultChanges
//   - Unreadable or invalid YAML: built-in DefaultChanges, warning logged
//   - File without a version: the version argument is used
//   - File without changes: no deprecations in effect
//
// The server always starts with a usable table; deprecation warnings are advisory.
func LoadChanges(path, version string) *ChangeTable {
	defaults := NewChangeTable(version, DefaultChanges())

	if path == "" {
		return defaults
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Schema changes file not found, using built-in changes",
				slog.String("path", path))

			return defaults
		}

		slog.Warn("Failed to read schema changes file, using built-in changes",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return defaults
	}

	var file ChangesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		slog.Warn("Failed to parse schema changes file, using built-in changes",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return defaults
	}

	if file.Version == "" {
		file.Version = version
	}

	table := NewChangeTable(file.Version, file.Changes)

	slog.Info("Loaded schema changes",
		slog.String("path", path),
		slog.String("version", table.Version()),
		slog.Int("changes", table.Len()))

	return table
}

// LoadChangesFromEnv loads the change table named by COHORTBASE_SCHEMA_CHANGES_PATH
// for the version in COHORTBASE_SCHEMA_VERSION.
func LoadChangesFromEnv() *ChangeTable {
	return LoadChanges(
		config.GetEnvStr(ChangesPathEnvVar, ""),
		config.GetEnvStr(VersionEnvVar, DefaultVersion),
	)
}
