package store

import (
	"regexp"
	"sort"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsAreWellFormed(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}

	pattern := regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.up\.sql$`)
	seen := map[string]string{}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			t.Fatalf("migration %q does not match NNNN_name.up.sql", name)
		}
		if prev, dup := seen[match[1]]; dup {
			t.Fatalf("version %s used by both %q and %q", match[1], prev, name)
		}
		seen[match[1]] = name
		names = append(names, name)
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("migrations not in name order: %v", names)
	}
}

func TestEmbeddedMigrationsHaveNoTransactionStatements(t *testing.T) {
	// ApplyMigrations wraps each file in its own transaction; explicit
	// BEGIN/COMMIT inside a file would fight that.
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	for _, entry := range entries {
		contents, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		upper := strings.ToUpper(string(contents))
		for _, stmt := range []string{"BEGIN;", "COMMIT;", "ROLLBACK;"} {
			if strings.Contains(upper, stmt) {
				t.Errorf("%s contains %s", entry.Name(), stmt)
			}
		}
	}
}
