// Package bytesize parses and formats the byte sizes used for capture limits.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Binary byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
)

// sizePattern matches "64MB", "1.5 GiB", "4096".
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

var multipliers = map[string]int64{
	"": B, "B": B,
	"K": KB, "KB": KB, "KI": KB, "KIB": KB,
	"M": MB, "MB": MB, "MI": MB, "MIB": MB,
	"G": GB, "GB": GB, "GI": GB, "GIB": GB,
}

// Parse converts a size string into bytes. A bare number is bytes.
func Parse(s string) (int64, error) {
	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", matches[1])
	}

	multiplier, ok := multipliers[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", matches[2])
	}
	return int64(value * float64(multiplier)), nil
}

// Format renders bytes with the largest unit that keeps the value above one.
func Format(bytes int64) string {
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// Size is a byte count that unmarshals from YAML as a number of bytes or
// a string with units ("64MB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err == nil {
		n, err := Parse(str)
		if err != nil {
			return err
		}
		*s = Size(n)
		return nil
	}

	var n int64
	if err := unmarshal(&n); err != nil {
		return fmt.Errorf("size must be a number or a string with units")
	}
	*s = Size(n)
	return nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	return Format(int64(s))
}
