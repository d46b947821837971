package types

import "github.com/dustin/go-humanize"

var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatBytes renders a byte count for display, e.g. "12.4 MB".
// Units step by 1024 and carry at most one decimal.
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(byteUnits)-1 {
		v /= 1024
		i++
	}
	return humanize.FtoaWithDigits(v, 1) + " " + byteUnits[i]
}
