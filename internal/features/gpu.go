package features

import (
	"regexp"
	"strconv"
	"strings"
)

var gpuPatterns = []procPattern{
	{regexp.MustCompile(`RTX\s*(\d{4})\s*(TI)?\b`), func(m []string) string {
		return "NVIDIA GeForce RTX " + m[1] + suffix(m[2], " Ti")
	}},
	{regexp.MustCompile(`RTX\s*A(\d{3,4})\b`), func(m []string) string { return "NVIDIA RTX A" + m[1] }},
	{regexp.MustCompile(`GTX\s*(\d{4})\s*(TI)?\b`), func(m []string) string {
		return "NVIDIA GeForce GTX " + m[1] + suffix(m[2], " Ti")
	}},
	{regexp.MustCompile(`\bMX\s*(\d{3})\b`), func(m []string) string { return "NVIDIA GeForce MX" + m[1] }},
	{regexp.MustCompile(`RADEON\s*RX\s*(\d{4})\s*([MSX]{1,2}T?)?\b`), func(m []string) string {
		return "AMD Radeon RX " + m[1] + m[2]
	}},
	{regexp.MustCompile(`\bRX\s*(\d{4})\s*([MS])?\b`), func(m []string) string { return "AMD Radeon RX " + m[1] + m[2] }},
	{regexp.MustCompile(`INTEL\s*ARC|\bARC\s*A\d{3}M?\b|\bARC\s+GRAPHICS`), func([]string) string { return "Intel Arc" }},
	{regexp.MustCompile(`IRIS\s*XE`), func([]string) string { return "Intel Iris Xe" }},
	{regexp.MustCompile(`UHD\s*(?:GRAPHICS|\d{3})`), func([]string) string { return "Intel UHD Graphics" }},
	{regexp.MustCompile(`RADEON\s*(?:\d{3}M|GRAPHICS|VEGA)`), func([]string) string { return "AMD Radeon Graphics" }},
	{regexp.MustCompile(`ADRENO`), func([]string) string { return "Qualcomm Adreno" }},
}

func extractGPU(upper, processor string) string {
	for _, p := range gpuPatterns {
		if m := p.re.FindStringSubmatch(upper); m != nil {
			return p.render(m)
		}
	}
	if strings.HasPrefix(processor, "Apple M") {
		return "Apple Silicon Graphics"
	}
	return Unknown
}

var rtxModel = regexp.MustCompile(`(?:RTX|GTX) (\d{4})`)

func gpuCategory(gpu string) string {
	switch {
	case !Known(gpu):
		return Unknown
	case gpu == "Apple Silicon Graphics":
		return "Apple Silicon Graphics"
	case strings.HasPrefix(gpu, "Intel Arc"):
		return "Intel Arc Graphics"
	case strings.HasPrefix(gpu, "Intel"):
		return "Intel Integrated Graphics"
	case strings.HasPrefix(gpu, "AMD Radeon RX"):
		return "AMD Radeon Dedicated"
	case strings.HasPrefix(gpu, "AMD"):
		return "AMD Integrated Graphics"
	case strings.HasPrefix(gpu, "Qualcomm"):
		return "Qualcomm Integrated Graphics"
	case strings.HasPrefix(gpu, "NVIDIA GeForce MX"), strings.HasPrefix(gpu, "NVIDIA GeForce GTX"):
		return "NVIDIA GeForce Entry-Level"
	case strings.HasPrefix(gpu, "NVIDIA RTX A"):
		return "NVIDIA Workstation"
	}
	m := rtxModel.FindStringSubmatch(gpu)
	if m == nil {
		return "Other GPU"
	}
	model, _ := strconv.Atoi(m[1])
	switch tier := model % 100; {
	case tier >= 80:
		return "NVIDIA GeForce High-End"
	case tier >= 70:
		return "NVIDIA GeForce Performance"
	case tier >= 60:
		return "NVIDIA GeForce Mainstream"
	default:
		return "NVIDIA GeForce Entry-Level"
	}
}

func suffix(match, s string) string {
	if match == "" {
		return ""
	}
	return s
}
