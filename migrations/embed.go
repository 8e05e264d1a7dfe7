package main

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

const (
	directionUp   = "up"
	directionDown = "down"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// 001_initial_schema.up.sql / 001_initial_schema.down.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

var (
	// ErrNoMigrations is returned when the source holds no migration files.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrInvalidFilename is returned for files that do not follow 001_name.(up|down).sql.
	ErrInvalidFilename = errors.New("invalid migration filename")

	// ErrUnpairedMigration is returned when an up or down file has no counterpart.
	ErrUnpairedMigration = errors.New("unpaired migration")

	// ErrSequenceGap is returned when sequence numbers do not run 001, 002, ... without gaps.
	ErrSequenceGap = errors.New("migration sequence gap")

	// ErrChecksumMismatch is returned when a file changed since it was last validated.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

type (
	// MigrationSet is the validated collection of SQL migrations shipped in the binary.
	// Checksums recorded by the first Validate detect files changing underneath a
	// running migrator.
	MigrationSet struct {
		fs        fs.FS
		checksums map[string]string
	}

	// MigrationFile is one parsed migration filename.
	MigrationFile struct {
		Sequence  int
		Name      string
		Direction string
		Filename  string
	}
)

// NewMigrationSet creates a set over filesystem, or over the embedded SQL files when nil.
func NewMigrationSet(filesystem fs.FS) *MigrationSet {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &MigrationSet{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the filesystem migrations are read from.
func (m *MigrationSet) FS() fs.FS {
	return m.fs
}

// List returns the well-formed migration filenames in lexicographic order, which is
// also apply order. Other files are ignored.
func (m *MigrationSet) List() ([]string, error) {
	entries, err := fs.ReadDir(m.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if !entry.IsDir() && migrationFilenameRegex.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// Content returns the SQL of one migration file.
func (m *MigrationSet) Content(filename string) ([]byte, error) {
	return fs.ReadFile(m.fs, filename)
}

// Validate checks pairing, sequence and checksums, then records checksums for the
// next call.
func (m *MigrationSet) Validate() error {
	files, err := m.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	parsed := make([]*MigrationFile, 0, len(files))

	for _, file := range files {
		migration, err := parseMigrationFilename(file)
		if err != nil {
			return err
		}

		parsed = append(parsed, migration)
	}

	if err := validatePairing(parsed); err != nil {
		return err
	}

	if err := validateSequence(parsed); err != nil {
		return err
	}

	sums := make(map[string]string, len(files))

	for _, file := range files {
		content, err := m.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		sum := checksum(content)
		if previous, ok := m.checksums[file]; ok && previous != sum {
			return fmt.Errorf("%w: %s has been modified", ErrChecksumMismatch, file)
		}

		sums[file] = sum
	}

	m.checksums = sums

	return nil
}

// MaxSequence returns the highest sequence number in the set, or 0.
func (m *MigrationSet) MaxSequence() int {
	files, err := m.List()
	if err != nil {
		return 0
	}

	highest := 0

	for _, file := range files {
		if migration, err := parseMigrationFilename(file); err == nil && migration.Sequence > highest {
			highest = migration.Sequence
		}
	}

	return highest
}

func parseMigrationFilename(filename string) (*MigrationFile, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidFilename, filename, err)
	}

	return &MigrationFile{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func validatePairing(files []*MigrationFile) error {
	directions := make(map[string]map[string]bool)

	for _, file := range files {
		key := fmt.Sprintf("%03d_%s", file.Sequence, file.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][file.Direction] = true
	}

	keys := make([]string, 0, len(directions))
	for key := range directions {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		if !directions[key][directionUp] {
			return fmt.Errorf("%w: %s has no up migration", ErrUnpairedMigration, key)
		}

		if !directions[key][directionDown] {
			return fmt.Errorf("%w: %s has no down migration", ErrUnpairedMigration, key)
		}
	}

	return nil
}

func validateSequence(files []*MigrationFile) error {
	seen := make(map[int]bool)

	var sequences []int

	for _, file := range files {
		if !seen[file.Sequence] {
			seen[file.Sequence] = true
			sequences = append(sequences, file.Sequence)
		}
	}

	sort.Ints(sequences)

	for i, sequence := range sequences {
		if sequence != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, sequence)
		}
	}

	return nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)

	return hex.EncodeToString(sum[:])
}
