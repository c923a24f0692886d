package account

import "strings"

// FamilyOther is the bucket for models no pattern matches. It shares one
// cooldown partition per pool.
const FamilyOther = "Other"

// familyRule classifies a lowercased model name into a quota family.
type familyRule struct {
	name  string
	match func(n string) bool
}

// Family rules are ordered: the first match wins. Families group model name
// variants that share one upstream quota pool, so exhausting one family does
// not block the others.
var familyRules = []familyRule{
	{"Gemini 3 Flash", func(n string) bool {
		return strings.Contains(n, "gemini") &&
			(strings.Contains(n, "flash") || strings.Contains(n, "1.5 flash")) &&
			!strings.Contains(n, "2.5")
	}},
	{"Gemini 3 Pro", func(n string) bool {
		return (strings.Contains(n, "gemini") &&
			(strings.Contains(n, "pro") || strings.Contains(n, "1.5 pro")) ||
			strings.Contains(n, "image")) &&
			!strings.Contains(n, "2.5")
	}},
	{"Gemini 2.5", func(n string) bool {
		return strings.Contains(n, "2.5")
	}},
	{"Claude/GPT", func(n string) bool {
		return strings.Contains(n, "claude") || strings.Contains(n, "gpt")
	}},
}

// FamilyName returns the quota family for a model identifier. An empty model
// maps to FamilyOther.
func FamilyName(model string) string {
	n := strings.ToLower(model)
	for _, rule := range familyRules {
		if rule.match(n) {
			return rule.name
		}
	}
	return FamilyOther
}
