package store

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
)

const migrationsDir = "../../db/migrations"

var migrationName = regexp.MustCompile(`^\d{4}_[a-z0-9_]+\.up\.sql$`)

func migrationFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("ReadDir(%s) error = %v", migrationsDir, err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".up.sql") {
			names = append(names, entry.Name())
		}
	}
	return names
}

func TestMigrationNaming(t *testing.T) {
	names := migrationFiles(t)
	if len(names) == 0 {
		t.Fatal("no migrations found")
	}

	seen := map[string]bool{}
	for _, name := range names {
		if !migrationName.MatchString(name) {
			t.Errorf("migration %q does not match NNNN_name.up.sql", name)
		}
		version := name[:4]
		if seen[version] {
			t.Errorf("duplicate migration version %s", version)
		}
		seen[version] = true
	}

	if !sort.StringsAreSorted(names) {
		t.Errorf("migrations not in lexical order: %v", names)
	}
}

func TestInitialMigrationCreatesCoreTables(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join(migrationsDir, "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	schema := strings.ToLower(string(contents))

	for _, table := range []string{"users", "magic_link_tokens", "threads", "messages"} {
		if !strings.Contains(schema, "create table if not exists "+table) {
			t.Errorf("0001_init.up.sql missing table %s", table)
		}
	}
	for _, constraint := range []string{"token_hash", "thread_key", "unique"} {
		if !strings.Contains(schema, constraint) {
			t.Errorf("0001_init.up.sql missing %q", constraint)
		}
	}
}
