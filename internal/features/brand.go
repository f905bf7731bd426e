package features

import (
	"regexp"
	"strings"
)

type brandRule struct {
	name string
	re   *regexp.Regexp
}

var brandNames = []string{
	"Acer", "Apple", "Asus", "Dell", "HP", "Lenovo", "MSI", "Samsung", "Toshiba",
	"Microsoft", "Sony", "Advan", "Zyrex", "Axioo", "Xiaomi", "Avita", "Tecno",
	"Huawei", "Infinix", "Jumper", "SPC",
}

var legionRe = regexp.MustCompile(`(?i)\blegion\s*\d`)

func defaultBrands() []brandRule {
	rules := make([]brandRule, 0, len(brandNames))
	for _, n := range brandNames {
		rules = append(rules, brandRule{
			name: n,
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(n) + `\b`),
		})
	}
	return rules
}

func (e *Extractor) brand(name string) string {
	for _, r := range e.brands {
		if r.re.MatchString(name) {
			return r.name
		}
	}
	if legionRe.MatchString(name) {
		return "Lenovo"
	}
	if strings.Contains(strings.ToUpper(name), "MACBOOK") {
		return "Apple"
	}
	return Unknown
}

type seriesRule struct {
	keyword string
	series  string
}

// Keyword order matters: longer or more specific names come first.
var seriesTable = map[string][]seriesRule{
	"Asus": {
		{"ROG", "ROG"}, {"TUF", "TUF"}, {"ZENBOOK", "Zenbook"}, {"VIVOBOOK", "Vivobook"},
		{"CHROMEBOOK", "Chromebook"}, {"EXPERTBOOK", "ExpertBook"}, {"PROART", "ProArt"},
	},
	"Lenovo": {
		{"LEGION", "Legion"}, {"LOQ", "LOQ"}, {"THINKPAD", "ThinkPad"}, {"THINKBOOK", "ThinkBook"},
		{"YOGA", "Yoga"}, {"IDEAPAD", "IdeaPad"}, {"V14", "V Series"}, {"V15", "V Series"},
	},
	"HP": {
		{"OMEN", "Omen"}, {"VICTUS", "Victus"}, {"PAVILION", "Pavilion"}, {"ENVY", "Envy"},
		{"SPECTRE", "Spectre"}, {"ELITEBOOK", "EliteBook"}, {"PROBOOK", "ProBook"},
	},
	"Dell": {
		{"ALIENWARE", "Alienware"}, {"XPS", "XPS"}, {"INSPIRON", "Inspiron"},
		{"LATITUDE", "Latitude"}, {"VOSTRO", "Vostro"},
	},
	"Acer": {
		{"PREDATOR", "Predator"}, {"NITRO", "Nitro"}, {"SWIFT", "Swift"},
		{"ASPIRE", "Aspire"}, {"TRAVELMATE", "TravelMate"},
	},
	"MSI": {
		{"TITAN", "Titan"}, {"RAIDER", "Raider"}, {"STEALTH", "Stealth"}, {"KATANA", "Katana"},
		{"CYBORG", "Cyborg"}, {"THIN", "Thin"}, {"MODERN", "Modern"}, {"PRESTIGE", "Prestige"},
	},
	"Apple": {
		{"MACBOOK AIR", "MacBook Air"}, {"MACBOOK PRO", "MacBook Pro"},
	},
	"Samsung": {
		{"GALAXY BOOK", "Galaxy Book"},
	},
	"Microsoft": {
		{"SURFACE LAPTOP", "Surface Laptop"}, {"SURFACE PRO", "Surface Pro"},
	},
	"Huawei": {
		{"MATEBOOK", "MateBook"},
	},
	"Axioo": {
		{"HYPE", "Hype"}, {"MYBOOK", "MyBook"}, {"PONGO", "Pongo"},
	},
	"Infinix": {
		{"INBOOK", "InBook"}, {"ZEROBOOK", "ZeroBook"},
	},
}

func extractSeries(brand, upper string) string {
	for _, r := range seriesTable[brand] {
		if strings.Contains(upper, r.keyword) {
			return r.series
		}
	}
	return Unknown
}
