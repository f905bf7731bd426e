package features

import (
	"regexp"
	"strconv"
)

var (
	ramDual     = regexp.MustCompile(`\b(\d)\s*[X×]\s*(\d{1,2})\s*GB\b`)
	ramPatterns = []*regexp.Regexp{
		// "16GB 2400MHz": a size followed by its clock.
		regexp.MustCompile(`\b(\d{1,3})\s*GB\s*\d{3,4}\s*[KM]?HZ\b`),
		regexp.MustCompile(`\b(\d{1,3})\s*GB\s*(?:LP)?DDR`),
		regexp.MustCompile(`\bRAM\s*(\d{1,3})\s*GB\b`),
		regexp.MustCompile(`\bMEMOR(?:I|Y)\s*(?:RAM\s*)?(\d{1,3})\s*GB\b`),
		regexp.MustCompile(`\b(\d{1,3})\s*GB\s*(?:RAM|MEMORY|MEMORI|UNIFIED)`),
		regexp.MustCompile(`\b(?:LP)?DDR[345]?X?\s*(\d{1,3})\s*GB\b`),
		// "8GB/256GB", "16GB 1TB": memory listed before the drive.
		regexp.MustCompile(`\b(\d{1,3})\s*GB\s*[/+,]?\s*(?:\d{3,4}\s*GB|[1-4]\s*TB)\b`),
		regexp.MustCompile(`\b(\d{1,3})\s*GB\s+(?:INTEL|AMD|RYZEN|CORE)\b`),
	}
)

const (
	minRAMGB = 2
	maxRAMGB = 128
)

func extractRAM(upper string) string {
	if m := ramDual.FindStringSubmatch(upper); m != nil {
		n, _ := strconv.Atoi(m[1])
		size, _ := strconv.Atoi(m[2])
		if total := n * size; total >= minRAMGB && total <= maxRAMGB {
			return strconv.Itoa(total) + "GB"
		}
	}
	for _, re := range ramPatterns {
		m := re.FindStringSubmatch(upper)
		if m == nil {
			continue
		}
		size, _ := strconv.Atoi(m[1])
		if size >= minRAMGB && size <= maxRAMGB {
			return strconv.Itoa(size) + "GB"
		}
	}
	return Unknown
}

var storagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(\d{1,4})\s*(GB|TB)\s*(?:PCIE\s*)?(?:M\.?2\s*)?(?:SSD|HDD|EMMC|NVME|SSHD|UFS)`),
	regexp.MustCompile(`(?:SSD|HDD|EMMC|NVME|SSHD|UFS)\s*(\d{1,4})\s*(GB|TB)\b`),
	regexp.MustCompile(`\b\d{1,2}\s*GB\s*[/+,]?\s*(\d{3,4}|[1-4])\s*(GB|TB)\b`),
	regexp.MustCompile(`\b\d{1,2}\s*GB\s*\d{3,4}\s*[KM]?HZ\s*[/+,]?\s*(\d{3,4}|[1-4])\s*(GB|TB)\b`),
}

// extractStorage picks the largest drive capacity mentioned.
func extractStorage(upper string) string {
	best := 0
	for _, re := range storagePatterns {
		for _, m := range re.FindAllStringSubmatch(upper, -1) {
			v, _ := strconv.Atoi(m[1])
			if m[2] == "TB" {
				v *= 1024
			}
			if v >= 16 && v > best {
				best = v
			}
		}
	}
	switch {
	case best == 0:
		return Unknown
	case best%1024 == 0:
		return strconv.Itoa(best/1024) + "TB"
	default:
		return strconv.Itoa(best) + "GB"
	}
}
