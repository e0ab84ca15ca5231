package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestInitMigrationCreatesCoreTables(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	sql := strings.ToLower(string(raw))

	for _, table := range []string{"users", "chats", "chat_members", "chat_blocks", "group_blocks", "messages", "message_reactions", "refresh_sessions"} {
		if !strings.Contains(sql, "create table if not exists "+table) {
			t.Fatalf("init migration missing table %s", table)
		}
	}
	if !strings.Contains(sql, "chats_direct_key_uniq") {
		t.Fatalf("init migration missing unique direct chat index")
	}
}

func TestDirectKeyIsOrderIndependent(t *testing.T) {
	if DirectKey("user-b", "user-a") != DirectKey("user-a", "user-b") {
		t.Fatalf("expected the same key regardless of argument order")
	}
	if DirectKey("user-a", "user-b") != "user-a:user-b" {
		t.Fatalf("unexpected key format %q", DirectKey("user-a", "user-b"))
	}
}
