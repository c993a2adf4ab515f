package utils

import (
	"regexp"
	"strconv"
	"strings"
)

var numberPattern = regexp.MustCompile(`([-−]?)\s*[$€£]?\s*(\d[\d,]*(?:\.\d+)?|\.\d+)`)

// ParseNumber extracts the first decimal number from UI text such as
// "1,234.56 USDT", "$ 3,012.5" or "-0.25%". Thousands separators are dropped.
// It reports false when no digits are present.
func ParseNumber(text string) (float64, bool) {
	m := numberPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	digits := strings.ReplaceAll(m[2], ",", "")
	v, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, false
	}
	if m[1] != "" {
		v = -v
	}
	return v, true
}

// PositiveNumber parses text and reports true only for values greater than zero.
func PositiveNumber(text string) (float64, bool) {
	v, ok := ParseNumber(text)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}
