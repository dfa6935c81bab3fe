package db

import "testing"

func TestMigrateURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"postgres://u:p@localhost:5432/bidwatch", "pgx5://u:p@localhost:5432/bidwatch"},
		{"postgresql://u@db/bidwatch?sslmode=disable", "pgx5://u@db/bidwatch?sslmode=disable"},
		{"pgx5://already/converted", "pgx5://already/converted"},
	}
	for _, c := range cases {
		if got := migrateURL(c.in); got != c.want {
			t.Errorf("migrateURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected up and down migrations, got %d files", len(entries))
	}
}
