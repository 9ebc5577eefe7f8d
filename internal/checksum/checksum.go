// Package checksum provides file fingerprinting for change pre-checks.
package checksum

import (
	"fmt"
	"os"
)

// File returns a cheap fingerprint of the file at path built from its size
// and modification time. It deliberately avoids hashing the contents: source
// stores can be multi-gigabyte and the fingerprint is only a hint for
// skipping no-op polls, never a correctness input.
func File(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano()), nil
}
