package testingutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteActionFile writes an MDT action log under dir, laid out the way
// the kernel exposes it ("<mdt>/hsm/actions"), and returns its path.
func WriteActionFile(tb testing.TB, dir, mdt string, lines ...string) string {
	tb.Helper()

	path := ActionFilePath(dir, mdt)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		tb.Fatal(err)
	}

	data := ""
	if len(lines) > 0 {
		data = strings.Join(lines, "\n") + "\n"
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		tb.Fatal(err)
	}
	return path
}

// ActionFilePath returns the action log path for an MDT under dir.
func ActionFilePath(dir, mdt string) string {
	return filepath.Join(dir, mdt, "hsm", "actions")
}

// ActionFileGlob returns the glob matching every action log under dir.
func ActionFileGlob(dir string) string {
	return filepath.Join(dir, "*-MDT????", "hsm", "actions")
}

// RemoveActionFile deletes an MDT's action log, as happens when the
// MDT fails away from the host.
func RemoveActionFile(tb testing.TB, dir, mdt string) {
	tb.Helper()

	if err := os.Remove(ActionFilePath(dir, mdt)); err != nil {
		tb.Fatal(err)
	}
}
