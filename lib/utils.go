package lib

import (
	"os"
	"strings"
)

func LocalFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || os.IsExist(err)
}

// Hostname returns the local hostname used in failure documents, or
// "unknown" when it cannot be read.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		return "unknown"
	}
	return name
}
