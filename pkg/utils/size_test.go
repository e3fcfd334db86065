package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		// plain byte counts
		{"0", 0, false},
		{"1024", 1024, false},
		{"100B", 100, false},

		// decimal
		{"1KB", 1000, false},
		{"1.5MB", 1500000, false},
		{"2GB", 2000000000, false},

		// binary
		{"64K", 65536, false},
		{"64KiB", 65536, false},
		{"1MiB", 1048576, false},
		{"4M", 4194304, false},
		{"1.5GiB", 1610612736, false},
		{"1TiB", 1099511627776, false},

		// case and spacing
		{"64kib", 65536, false},
		{"1 MiB", 1048576, false},
		{"  512  ", 512, false},

		// errors
		{"", 0, true},
		{"-5", 0, true},
		{"MB", 0, true},
		{"1XB", 0, true},
		{"1.2.3MB", 0, true},
		{"99999999TiB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	tests := []struct {
		input    uint64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1 MiB"},
		{5 * 1024 * 1024 * 1024, "5 GiB"},
		{3 << 40, "3 TiB"},
		{2048 << 40, "2048 TiB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDataSize(tt.input))
		})
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"64KiB", "1MiB", "4MiB"} {
		n, err := ParseDataSize(s)
		require.NoError(t, err)
		back, err := ParseDataSize(FormatDataSize(uint64(n)))
		require.NoError(t, err)
		assert.Equal(t, n, back)
	}
}
