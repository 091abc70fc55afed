package storage

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{"single statement", "CREATE TABLE t (id INT)", []string{"CREATE TABLE t (id INT)"}},
		{"multiple statements", "CREATE TABLE a (id INT); CREATE TABLE b (id INT)", []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}},
		{"semicolon in string", "INSERT INTO t VALUES ('a; b')", []string{"INSERT INTO t VALUES ('a; b')"}},
		{"escaped quote", "INSERT INTO t VALUES ('it''s; fine')", []string{"INSERT INTO t VALUES ('it''s; fine')"}},
		{"escaped quote then split", "INSERT INTO t VALUES ('a''b;'); SELECT 2", []string{"INSERT INTO t VALUES ('a''b;')", "SELECT 2"}},
		{"escaped identifier quote", `SELECT "x"";y" FROM t; SELECT 3`, []string{`SELECT "x"";y" FROM t`, "SELECT 3"}},
		{"trailing semicolon", "SELECT 1;", []string{"SELECT 1"}},
		{"empty", "", nil},
		{"whitespace", "  \n\t ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitStatements(tt.sql)
			if len(got) != len(tt.expected) {
				t.Fatalf("splitStatements() = %q, want %q", got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, got[i], tt.expected[i])
				}
			}
		})
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("LoadMigrations() returned %d migrations, want at least 2", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "create_executions" {
		t.Errorf("first migration = %d %q", migrations[0].Version, migrations[0].Name)
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migrations not sorted at %d", i)
		}
	}
	for _, m := range migrations {
		stmts := splitStatements(m.SQL)
		if len(stmts) != 1 || !strings.Contains(stmts[0], "CREATE TABLE IF NOT EXISTS") {
			t.Errorf("migration %s: unexpected statements %q", m.Name, stmts)
		}
	}
}

func TestIsCommentOnly(t *testing.T) {
	if !isCommentOnly("-- just a note\n  -- another") {
		t.Error("comment-only statement not detected")
	}
	if isCommentOnly("-- header\nCREATE TABLE t (id INT)") {
		t.Error("statement with SQL flagged as comment-only")
	}
}

func TestRetentionStatements(t *testing.T) {
	if got := RetentionStatements(0); got != nil {
		t.Errorf("RetentionStatements(0) = %v, want nil", got)
	}
	got := RetentionStatements(30)
	if len(got) != 2 {
		t.Fatalf("RetentionStatements(30) returned %d statements", len(got))
	}
	if !strings.Contains(got[0], "workflow_executions") || !strings.Contains(got[0], "INTERVAL 30 DAY") {
		t.Errorf("unexpected statement: %s", got[0])
	}
}
