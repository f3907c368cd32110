// Package match scores procurement notices for relevance to construction
// work and derives descriptive tags. Scoring is pure: a Calculator holds an
// immutable prefix snapshot and performs no I/O.
package match

import (
	"math"
	"sort"
	"strings"
)

// NeutralScore is assigned when a notice carries no classification codes.
const NeutralScore = 50

type codeTag struct {
	prefix string
	tag    string
}

// Code families mapped to semantic tags. CPV codes are hierarchical, so a
// longer prefix is a narrower family.
var codeTags = []codeTag{
	{"4521", "new-build"},
	{"45261", "roofing"},
	{"45262500", "masonry"},
	{"45321", "insulation"},
	{"45320", "insulation"},
	{"45453", "renovation"},
	{"45454", "renovation"},
}

type keywordTag struct {
	keywords []string
	tag      string
}

var titleTags = []keywordTag{
	{[]string{"monument", "heritage", "historic", "listed building"}, "heritage"},
	{[]string{"school", "education", "university", "college", "campus"}, "education"},
	{[]string{"hospital", "healthcare", "clinic", "care home", "health centre", "health center"}, "healthcare"},
	{[]string{"municipality", "ministry", "government", "town hall", "city hall", "council"}, "government"},
}

// Calculator scores and tags notices against a fixed set of relevant
// classification-code prefixes.
type Calculator struct {
	prefixes []string
}

// NewCalculator builds a calculator over a copy of prefixes.
func NewCalculator(prefixes []string) *Calculator {
	clean := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = normalizeCode(p)
		if p != "" {
			clean = append(clean, p)
		}
	}
	return &Calculator{prefixes: clean}
}

// Prefixes returns the relevant prefixes the calculator was built with.
func (c *Calculator) Prefixes() []string {
	out := make([]string, len(c.prefixes))
	copy(out, c.prefixes)
	return out
}

// Score returns a relevance score in [0,100]. A notice without codes is
// neutral (50); otherwise the score rises from 50 to 100 with the share of
// codes under a relevant prefix.
func (c *Calculator) Score(codes []string) int {
	total := 0
	matched := 0
	for _, code := range codes {
		code = normalizeCode(code)
		if code == "" {
			continue
		}
		total++
		if c.isRelevant(code) {
			matched++
		}
	}
	if total == 0 {
		return NeutralScore
	}

	fraction := float64(matched) / float64(total)
	score := int(math.Round(NeutralScore + fraction*50))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Tags derives a de-duplicated, sorted tag set from code families and title
// keywords.
func (c *Calculator) Tags(codes []string, title string) []string {
	seen := make(map[string]struct{})

	for _, code := range codes {
		code = normalizeCode(code)
		if code == "" {
			continue
		}
		for _, ct := range codeTags {
			if strings.HasPrefix(code, ct.prefix) {
				seen[ct.tag] = struct{}{}
			}
		}
	}

	lowerTitle := strings.ToLower(title)
	for _, kt := range titleTags {
		for _, kw := range kt.keywords {
			if strings.Contains(lowerTitle, kw) {
				seen[kt.tag] = struct{}{}
				break
			}
		}
	}

	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (c *Calculator) isRelevant(code string) bool {
	for _, p := range c.prefixes {
		if strings.HasPrefix(code, p) {
			return true
		}
	}
	return false
}

// normalizeCode strips whitespace and the CPV check digit ("45210000-2").
func normalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if idx := strings.IndexByte(code, '-'); idx >= 0 {
		code = code[:idx]
	}
	return code
}
