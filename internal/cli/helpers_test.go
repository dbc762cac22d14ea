package cli_test

import (
	"os"
	"testing"
)

// Header offset of the namespace field of a region file.
const offNamespace = 0x060

// corruptHeader flips a namespace byte so the header checksum no longer
// matches.
func corruptHeader(t *testing.T, path string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	defer f.Close()

	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, offNamespace); err != nil {
		t.Fatalf("read header: %v", err)
	}

	buf[0] ^= 0xFF

	if _, err := f.WriteAt(buf, offNamespace); err != nil {
		t.Fatalf("write header: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
