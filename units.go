package ummapio

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
)

// Sizes such as "8M" or "8MB" are binary, like their IEC spelling.
var binarySuffix = regexp.MustCompile(`(?i)^([0-9.]+)\s*([kmgtpe])b?$`)

// ParseSize parses a human-readable byte size. Every unit is 1024-based:
// "4096", "64K", "8MB", "1.5 GiB" and "2t" are all accepted.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if m := binarySuffix.FindStringSubmatch(s); m != nil {
		s = m[1] + " " + strings.ToUpper(m[2]) + "iB"
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("ummapio: parse size %q: %w", s, err)
	}
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("ummapio: size %q overflows", s)
	}
	return int64(v), nil
}

// FormatSize renders n bytes with a binary unit, e.g. "8.0 MiB".
func FormatSize(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
