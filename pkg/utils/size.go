package utils

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Size constants (binary).
const (
	Byte     int64 = 1
	KiloByte int64 = 1 << 10
	MegaByte int64 = 1 << 20
	GigaByte int64 = 1 << 30
	TeraByte int64 = 1 << 40
	PetaByte int64 = 1 << 50
)

// Unlimited is the quota value that never fills up.
const Unlimited int64 = -1

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseDataSize parses sizes like "512", "100KB", "1.5TB" or "2PiB" into
// bytes. KB, MB, GB, TB and PB are decimal; K, M, G, T, P and the IEC
// KiB..PiB forms are binary. Units are case insensitive.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size: %s", sizeStr)
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '1GB', '512MB', '1.5TB')", sizeStr)
	}
	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}
	multiplier := unitMultiplier(strings.ToUpper(matches[2]))
	if multiplier == 0 {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, TB, PB, KiB, MiB, GiB, TiB, PiB)", matches[2])
	}

	size := value * float64(multiplier)
	if size > math.MaxInt64 {
		return 0, fmt.Errorf("size overflow: %s", sizeStr)
	}
	return int64(size), nil
}

func unitMultiplier(unit string) int64 {
	switch unit {
	case "B", "BYTE", "BYTES":
		return 1
	case "KB":
		return 1e3
	case "MB":
		return 1e6
	case "GB":
		return 1e9
	case "TB":
		return 1e12
	case "PB":
		return 1e15
	case "KIB", "K":
		return KiloByte
	case "MIB", "M":
		return MegaByte
	case "GIB", "G":
		return GigaByte
	case "TIB", "T":
		return TeraByte
	case "PIB", "P":
		return PetaByte
	}
	return 0
}

// ParseQuota is ParseDataSize plus the unlimited forms "unlimited", "inf"
// and any negative number, all of which yield Unlimited.
func ParseQuota(s string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unlimited", "inf", "infinite":
		return Unlimited, nil
	}
	if val, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil && val < 0 {
		return Unlimited, nil
	}
	return ParseDataSize(s)
}

// ParseSizeValue converts a decoded JSON value, number or string, into a
// quota. A missing value yields def.
func ParseSizeValue(v interface{}, def int64) (int64, error) {
	switch val := v.(type) {
	case nil:
		return def, nil
	case float64:
		if val < 0 {
			return Unlimited, nil
		}
		return int64(val), nil
	case int64:
		if val < 0 {
			return Unlimited, nil
		}
		return val, nil
	case int:
		if val < 0 {
			return Unlimited, nil
		}
		return int64(val), nil
	case string:
		return ParseQuota(val)
	}
	return 0, fmt.Errorf("size must be a number or string, got %T", v)
}

// FormatDataSize formats bytes with binary units, e.g. "1.5 GB".
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KiloByte {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB", "PB"}
	exp := 0
	div := KiloByte
	for n := bytes / KiloByte; n >= KiloByte && exp < len(units)-1; n /= KiloByte {
		div *= KiloByte
		exp++
	}
	value := float64(bytes) / float64(div)

	switch {
	case value == math.Trunc(value):
		return fmt.Sprintf("%.0f %s", value, units[exp])
	case value*10 == math.Trunc(value*10):
		return fmt.Sprintf("%.1f %s", value, units[exp])
	}
	return fmt.Sprintf("%.2f %s", value, units[exp])
}

// FormatQuota renders a quota: negative is unlimited, zero is unset.
func FormatQuota(quota int64) string {
	switch {
	case quota < 0:
		return "unlimited"
	case quota == 0:
		return "unset"
	}
	return FormatDataSize(quota)
}

// ParseDataSizeWithDefault parses a size string and returns def if it is
// empty or invalid.
func ParseDataSizeWithDefault(sizeStr string, def int64) int64 {
	if sizeStr == "" {
		return def
	}
	size, err := ParseDataSize(sizeStr)
	if err != nil {
		return def
	}
	return size
}
