package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateHardwareID_IsValid(t *testing.T) {
	id, err := GenerateHardwareID()
	require.NoError(t, err)
	assert.True(t, IsValidHardwareID(id))

	other, err := GenerateHardwareID()
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestIsValidHardwareID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"hw-" + strings.Repeat("a", 32), true},
		{"hw-0123456789abcdef0123456789abcdef", true},
		{"hw-" + strings.Repeat("A", 32), false},
		{"hw-" + strings.Repeat("a", 31), false},
		{"hx-" + strings.Repeat("a", 32), false},
		{"", false},
		{"hw-" + strings.Repeat("g", 32), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, IsValidHardwareID(tt.id), tt.id)
	}
}

func TestNormalizeHardwareID(t *testing.T) {
	assert.Equal(t, "hw-abc", NormalizeHardwareID("  HW-ABC\n"))
}
