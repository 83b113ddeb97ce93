package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".ember", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestDBPath(t *testing.T) {
	got := DBPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "ember.db")) {
		t.Errorf("DBPath(test) = %q, want suffix profiles/test/ember.db", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix profiles/test/LOCK", got)
	}
}

func TestProfileConfigPath(t *testing.T) {
	got := ProfileConfigPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "profile.toml")) {
		t.Errorf("ProfileConfigPath(test) = %q, want suffix profiles/test/profile.toml", got)
	}
}
