package logging

import "github.com/dustin/go-humanize"

// ByteRate renders a bytes-per-second figure the way status lines and log
// attributes want it shown: "1.2 MB/s" rather than a raw float64.
func ByteRate(bytesPerSec float64) string {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

// Bytes renders a byte count with a binary-prefix suffix ("1.3 MiB").
func Bytes(n uint64) string {
	return humanize.IBytes(n)
}
