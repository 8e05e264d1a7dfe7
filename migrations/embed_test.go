package main

import (
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
)

func migrationFS(files ...string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for _, file := range files {
		fsys[file] = &fstest.MapFile{Data: []byte("SELECT 1; -- " + file)}
	}

	return fsys
}

func TestEmbeddedMigrations(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	set := NewMigrationSet(nil)

	if err := set.Validate(); err != nil {
		t.Fatalf("embedded migrations are invalid: %v", err)
	}

	files, err := set.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}

	if len(files) < 2 || files[0] != "001_initial_schema.down.sql" || files[1] != "001_initial_schema.up.sql" {
		t.Errorf("List() = %v, want the initial schema pair first", files)
	}

	content, err := set.Content("001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("Content() error: %v", err)
	}

	for _, table := range []string{"datasets", "ingest_tables", "phenopackets", "experiments", "entity_links"} {
		if !strings.Contains(string(content), "CREATE TABLE "+table+" (") {
			t.Errorf("initial schema does not create %s", table)
		}
	}

	if got := set.MaxSequence(); got < 1 {
		t.Errorf("MaxSequence() = %d, want >= 1", got)
	}
}

func TestMigrationSet_List(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := migrationFS("002_b.up.sql", "001_a.up.sql", "001_a.down.sql", "002_b.down.sql")
	fsys["README.md"] = &fstest.MapFile{Data: []byte("docs")}
	fsys["1_short.up.sql"] = &fstest.MapFile{Data: []byte("ignored")}
	fsys["nested"] = &fstest.MapFile{Mode: fs.ModeDir | 0o755}

	files, err := NewMigrationSet(fsys).List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}

	want := []string{"001_a.down.sql", "001_a.up.sql", "002_b.down.sql", "002_b.up.sql"}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Errorf("List() = %v, want %v", files, want)
	}
}

func TestMigrationSet_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name  string
		files []string
		want  error
	}{
		{name: "valid pairs", files: []string{"001_a.up.sql", "001_a.down.sql", "002_b.up.sql", "002_b.down.sql"}},
		{name: "empty", files: nil, want: ErrNoMigrations},
		{name: "missing down", files: []string{"001_a.up.sql"}, want: ErrUnpairedMigration},
		{name: "missing up", files: []string{"001_a.down.sql"}, want: ErrUnpairedMigration},
		{
			name:  "gap",
			files: []string{"001_a.up.sql", "001_a.down.sql", "003_c.up.sql", "003_c.down.sql"},
			want:  ErrSequenceGap,
		},
		{name: "does not start at one", files: []string{"002_b.up.sql", "002_b.down.sql"}, want: ErrSequenceGap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewMigrationSet(migrationFS(tt.files...)).Validate()

			if tt.want == nil && err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}

			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMigrationSet_ChecksumMismatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := migrationFS("001_a.up.sql", "001_a.down.sql")
	set := NewMigrationSet(fsys)

	if err := set.Validate(); err != nil {
		t.Fatalf("first Validate() error: %v", err)
	}

	fsys["001_a.up.sql"] = &fstest.MapFile{Data: []byte("DROP TABLE everything;")}

	if err := set.Validate(); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Validate() after modification = %v, want %v", err, ErrChecksumMismatch)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	migration, err := parseMigrationFilename("012_add_indexes.down.sql")
	if err != nil {
		t.Fatalf("parseMigrationFilename() error: %v", err)
	}

	if migration.Sequence != 12 || migration.Name != "add_indexes" || migration.Direction != directionDown {
		t.Errorf("parseMigrationFilename() = %+v", migration)
	}

	for _, bad := range []string{"12_x.up.sql", "001_x.sideways.sql", "001-x.up.sql", "001_x.up.txt"} {
		if _, err := parseMigrationFilename(bad); !errors.Is(err, ErrInvalidFilename) {
			t.Errorf("parseMigrationFilename(%q) = %v, want %v", bad, err, ErrInvalidFilename)
		}
	}
}
