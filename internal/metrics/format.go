package metrics

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

var byteUnits = []string{"B", "KB", "MB", "GB"}

var bitUnits = []string{"bps", "Kbps", "Mbps", "Gbps"}

// FormatBytes renders a byte count in base-1024 units with two decimals.
// Zero is exactly "0 B".
func FormatBytes(n float64) string {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return notAvailable
	}
	if n == 0 {
		return "0 B"
	}
	i := 0
	scaled := n
	for i < len(byteUnits)-1 && math.Abs(scaled) >= 1024 {
		scaled /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", scaled, byteUnits[i])
}

// FormatBytesValue is FormatBytes for an optional value.
func FormatBytesValue(v Value) string {
	n, ok := v.Get()
	if !ok {
		return notAvailable
	}
	return FormatBytes(n)
}

// FormatBitsPerSecond renders a bit rate in base-1000 units. Plain bps are
// rounded to an integer, larger units to two decimals.
func FormatBitsPerSecond(v Value) string {
	bps, ok := v.Get()
	if !ok {
		return notAvailable
	}
	i := 0
	scaled := bps
	for i < len(bitUnits)-1 && math.Abs(scaled) >= 1000 {
		scaled /= 1000
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d %s", int64(math.Round(scaled)), bitUnits[0])
	}
	return fmt.Sprintf("%.2f %s", scaled, bitUnits[i])
}

// FormatByteRate renders a bytes/sec reading as a bit rate.
func FormatByteRate(bytesPerSec Value) string {
	return FormatBitsPerSecond(bytesPerSec.Map(toBits))
}

// FormatBitrate renders a KPI bit rate as a rounded integer with thousands
// separators, e.g. "8,000 bps".
func FormatBitrate(v Value) string {
	bps, ok := v.Get()
	if !ok {
		return notAvailable
	}
	return humanize.Comma(int64(math.Round(bps))) + " bps"
}
