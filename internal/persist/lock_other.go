//go:build !unix

package persist

import (
	"os"
	"strings"
)

// Without flock the in-process mutex is the only guard.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }

func isNoSpace(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left") || strings.Contains(msg, "not enough space")
}
