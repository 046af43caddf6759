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
		{"0", 0, false},
		{"1024", 1024, false},
		{"100B", 100, false},
		{"1KB", 1000, false},
		{"1.5KB", 1500, false},
		{"1K", 1024, false},
		{"1.5KiB", 1536, false},
		{"100MB", 100000000, false},
		{"1MiB", 1048576, false},
		{"40GB", 40000000000, false},
		{"40GiB", 42949672960, false},
		{"1.485TB", 1485000000000, false},
		{"1.5TiB", 1649267441664, false},
		{"1PB", 1000000000000000, false},
		{"1P", 1125899906842624, false},
		{"1gib", 1073741824, false},
		{"1.5 TB", 1500000000000, false},
		{" 100 MB ", 100000000, false},

		{"", 0, true},
		{"invalid", 0, true},
		{"GB", 0, true},
		{"1.2.3GB", 0, true},
		{"1XB", 0, true},
		{"-1GB", 0, true},
		{"-5", 0, true},
		{"100000PiB", 0, true},
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

func TestParseQuota(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"unlimited", Unlimited},
		{"INF", Unlimited},
		{"-1", Unlimited},
		{"-20", Unlimited},
		{"0", 0},
		{"2TB", 2000000000000},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseQuota(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := ParseQuota("lots")
	assert.Error(t, err)
}

func TestParseSizeValue(t *testing.T) {
	got, err := ParseSizeValue(float64(2048), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), got)

	got, err = ParseSizeValue("1.5PiB", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1688849860263936), got)

	got, err = ParseSizeValue(nil, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	got, err = ParseSizeValue(float64(-1), 0)
	require.NoError(t, err)
	assert.Equal(t, Unlimited, got)

	_, err = ParseSizeValue(true, 0)
	assert.Error(t, err)
}

func TestFormatDataSize(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{1048576, "1 MB"},
		{1610612736, "1.5 GB"},
		{1099511627776, "1 TB"},
		{1125899906842624, "1 PB"},
		{2 * 1125899906842624 * 1024, "2048 PB"},
		{-1, "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDataSize(tt.input))
		})
	}
}

func TestFormatQuota(t *testing.T) {
	assert.Equal(t, "unlimited", FormatQuota(-1))
	assert.Equal(t, "unset", FormatQuota(0))
	assert.Equal(t, "100 GB", FormatQuota(100*GigaByte))
}

func TestParseDataSizeWithDefault(t *testing.T) {
	def := GigaByte
	assert.Equal(t, def, ParseDataSizeWithDefault("", def))
	assert.Equal(t, def, ParseDataSizeWithDefault("invalid", def))
	assert.Equal(t, int64(2147483648), ParseDataSizeWithDefault("2GiB", def))
}
