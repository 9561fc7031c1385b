// Package identity validates and generates box hardware identifiers.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// HardwareIDPrefix marks identifiers produced by GenerateHardwareID.
const HardwareIDPrefix = "hw-"

// hardwareIDPattern accepts "hw-" followed by 32 lowercase hex characters.
var hardwareIDPattern = regexp.MustCompile(`^hw-[0-9a-f]{32}$`)

// IsValidHardwareID reports whether id matches the hardware id format.
func IsValidHardwareID(id string) bool {
	return hardwareIDPattern.MatchString(id)
}

// GenerateHardwareID returns a new random hardware id.
func GenerateHardwareID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate hardware id: %w", err)
	}
	return HardwareIDPrefix + hex.EncodeToString(buf), nil
}

// NormalizeHardwareID trims whitespace and lowercases a presented id so that
// agents reading /etc/machine-id style values in upper case still match.
func NormalizeHardwareID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
