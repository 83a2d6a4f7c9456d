package fetcher

import (
	"regexp"
	"strconv"
)

var progressPattern = regexp.MustCompile(`^\[download\]\s+(\d+(?:\.\d+)?)%`)

// parseProgress extracts the percentage from a yt-dlp --newline progress line.
func parseProgress(line string) (float64, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}
