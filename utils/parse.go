package utils

import (
	"strconv"
	"strings"
)

func ParseIntDefault(s string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && v >= 0 {
		return v
	}
	return def
}

// PageLimit parses a list limit, falling back to def and capping at max.
func PageLimit(s string, def, max int) int {
	n := ParseIntDefault(s, def)
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
