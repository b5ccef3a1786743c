package units

import (
	"fmt"
	"os"
)

const (
	KB = 1000
	MB = 1000 * KB
	GB = 1000 * MB
	TB = 1000 * GB
	PB = 1000 * TB

	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
	PiB = 1024 * TiB
)

var (
	decimapAbbrs = []string{"B", "kB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}
	binaryAbbrs  = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB", "ZiB", "YiB"}
)

func getSizeAndUnit(size float64, base float64, _map []string) (float64, string) {
	i := 0
	unitsLimit := len(_map) - 1
	for size >= base && i < unitsLimit {
		size = size / base
		i++
	}
	return size, _map[i]
}

func HumanSize(size float64) string {
	return HumanSizeWithPrecision(size, 3)
}

func HumanSizeWithPrecision(size float64, precision int) string {
	size, unit := getSizeAndUnit(size, 1000.0, decimapAbbrs)
	return fmt.Sprintf("%.*g%s", precision, size, unit)
}

func BinarySize(size float64) string {
	size, unit := getSizeAndUnit(size, 1024.0, binaryAbbrs)
	return fmt.Sprintf("%.4g%s", size, unit)
}

// BytesOf returns the size of the file at path, following symlinks.
// A missing path measures 0.
func BytesOf(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// SizeOf returns the size of path in megabytes (MiB); 0 when it does not exist.
func SizeOf(path string) float64 {
	return ToMegabytes(BytesOf(path))
}

func ToMegabytes(bytes int64) float64 {
	return float64(bytes) / MiB
}

// ReductionPercent reports how much smaller after is than before, in percent.
// ok is false when before is zero and the reduction is undefined.
func ReductionPercent(before, after float64) (percent float64, ok bool) {
	if before == 0 {
		return 0, false
	}
	return (before - after) / before * 100, true
}
