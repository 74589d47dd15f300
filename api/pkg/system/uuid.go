package system

import (
	"strings"

	"github.com/google/uuid"
)

func GenerateUUID() string {
	return uuid.New().String()
}

// GenerateID returns a short id suitable for sandbox and terminal names.
func GenerateID() string {
	return strings.Replace(uuid.New().String(), "-", "", -1)[:12]
}
