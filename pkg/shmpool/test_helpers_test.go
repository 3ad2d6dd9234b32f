package shmpool_test

import (
	"os"
	"testing"
)

// writeJunkRegion plants a file at path that is not a valid pool region.
func writeJunkRegion(t *testing.T, path string) {
	t.Helper()

	junk := make([]byte, 4096)
	copy(junk, "not a pool region")

	if err := os.WriteFile(path, junk, 0o600); err != nil {
		t.Fatalf("write junk region: %v", err)
	}
}
