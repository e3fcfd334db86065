package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Byte multipliers for the binary units.
const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
	TiB int64 = 1 << 40
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

var unitMultipliers = map[string]int64{
	"B": 1,

	"KB": 1000,
	"MB": 1000 * 1000,
	"GB": 1000 * 1000 * 1000,
	"TB": 1000 * 1000 * 1000 * 1000,

	"K": KiB, "KIB": KiB,
	"M": MiB, "MIB": MiB,
	"G": GiB, "GIB": GiB,
	"T": TiB, "TIB": TiB,
}

// ParseDataSize parses sizes like "512", "64KiB", "1.5MB" or "4M" into bytes.
// KB/MB/GB/TB are decimal; K/M/G/T and the IEC forms are binary.
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
		return 0, fmt.Errorf("invalid size format: %s (expected format like '64KiB', '1MB', '4M')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier, ok := unitMultipliers[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, TB, KiB, MiB, GiB, TiB)", matches[2])
	}

	bytes := value * float64(multiplier)
	if bytes >= 1<<63 {
		return 0, fmt.Errorf("size overflow: %s", sizeStr)
	}
	return int64(bytes), nil
}

// FormatDataSize renders a byte count with a binary unit, e.g. "1.5 MiB".
func FormatDataSize(bytes uint64) string {
	if bytes < uint64(KiB) {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(bytes) / float64(KiB)
	exp := 0
	for value >= 1024 && exp < len(units)-1 {
		value /= 1024
		exp++
	}

	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[exp])
	}
	return fmt.Sprintf("%.1f %s", value, units[exp])
}
