// Package sanitize finds personal data in queries and responses, grades
// the risk it carries and redacts it from every surface returned to a
// caller.
package sanitize

import (
	"regexp"
	"slices"
	"sort"

	"github.com/fyrsmithlabs/ragorch/internal/secrets"
)

// Category names a kind of sensitive data.
type Category string

// Categories in detection priority order.
const (
	CategorySecret     Category = "SECRET"
	CategoryCreditCard Category = "CREDIT_CARD"
	CategorySSN        Category = "SSN"
	CategoryEmail      Category = "EMAIL"
	CategoryPhone      Category = "PHONE"
)

var (
	cardPattern  = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)
	ssnPattern   = regexp.MustCompile(`\b(\d{3})-(\d{2})-(\d{4})\b`)
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?(?:\(\d{3}\)\s?|\b\d{3}[\s.-])\d{3}[\s.-]\d{4}\b`)
)

// Match is one sensitive value located in a string.
type Match struct {
	Category Category
	Start    int
	End      int
}

// Detector locates sensitive values. It is safe for concurrent use.
type Detector struct {
	allowlist *secrets.Allowlist
	secrets   *secrets.Detector
}

// NewDetector creates a Detector. Both arguments may be nil; without a
// secrets detector no SECRET matches are reported.
func NewDetector(allowlist *secrets.Allowlist, secretsDetector *secrets.Detector) *Detector {
	return &Detector{allowlist: allowlist, secrets: secretsDetector}
}

// Find returns non-overlapping matches ordered by offset. When candidates
// overlap, the higher-priority category wins.
func (d *Detector) Find(text string) []Match {
	if text == "" {
		return nil
	}

	var accepted []Match
	add := func(c Category, start, end int) {
		if d.allowlist.Allows(text[start:end]) {
			return
		}
		for _, m := range accepted {
			if start < m.End && m.Start < end {
				return
			}
		}
		accepted = append(accepted, Match{Category: c, Start: start, End: end})
	}

	if d.secrets != nil {
		for _, f := range d.secrets.Detect(text) {
			add(CategorySecret, f.Start, f.End)
		}
	}
	for _, loc := range findCards(text) {
		add(CategoryCreditCard, loc[0], loc[1])
	}
	for _, loc := range ssnPattern.FindAllStringSubmatchIndex(text, -1) {
		if validSSN(text[loc[2]:loc[3]], text[loc[4]:loc[5]], text[loc[6]:loc[7]]) {
			add(CategorySSN, loc[0], loc[1])
		}
	}
	for _, loc := range emailPattern.FindAllStringIndex(text, -1) {
		add(CategoryEmail, loc[0], loc[1])
	}
	for _, loc := range phonePattern.FindAllStringIndex(text, -1) {
		add(CategoryPhone, loc[0], loc[1])
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start < accepted[j].Start })
	return accepted
}

// Categories returns the distinct categories present in text.
func (d *Detector) Categories(text string) []Category {
	var out []Category
	for _, m := range d.Find(text) {
		out = appendCategory(out, m.Category)
	}
	return SortCategories(out)
}

// Redact replaces every match in text with replacement and returns the
// categories it removed.
func (d *Detector) Redact(text, replacement string) (string, []Category) {
	matches := d.Find(text)
	if len(matches) == 0 {
		return text, nil
	}
	spans := make([]secrets.Span, len(matches))
	var cats []Category
	for i, m := range matches {
		spans[i] = secrets.Span{Start: m.Start, End: m.End}
		cats = appendCategory(cats, m.Category)
	}
	return secrets.Redact(text, spans, replacement), SortCategories(cats)
}

// UnionCategories merges category lists without duplicates.
func UnionCategories(lists ...[]Category) []Category {
	var out []Category
	for _, list := range lists {
		for _, c := range list {
			out = appendCategory(out, c)
		}
	}
	return SortCategories(out)
}

// SortCategories orders categories by severity, most severe first.
func SortCategories(cats []Category) []Category {
	order := []Category{CategorySecret, CategoryCreditCard, CategorySSN, CategoryEmail, CategoryPhone}
	sort.SliceStable(cats, func(i, j int) bool {
		return slices.Index(order, cats[i]) < slices.Index(order, cats[j])
	})
	return cats
}

// Strings converts categories for serialization.
func Strings(cats []Category) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}

func appendCategory(list []Category, c Category) []Category {
	if slices.Contains(list, c) {
		return list
	}
	return append(list, c)
}

// findCards returns every card-shaped digit run. Luhn only narrows the
// span: when a valid card sits inside a longer run, such as a reference
// number glued in front of it, the card is reported on its own and the
// leftover digits stay visible unless they are card-shaped too.
func findCards(text string) [][2]int {
	var out [][2]int
	for from := 0; from < len(text); {
		loc := cardPattern.FindStringIndex(text[from:])
		if loc == nil {
			break
		}
		start, end := from+loc[0], runEnd(text, from+loc[1])
		if s, e, ok := luhnSpan(text, start, end); ok {
			if prefix := trimSeparators(text, start, s); len(digitsOf(text[start:prefix])) >= minCardDigits {
				out = append(out, [2]int{start, prefix})
			}
			out = append(out, [2]int{s, e})
			from = e
			continue
		}
		out = append(out, [2]int{start, end})
		from = end
	}
	return out
}

const (
	minCardDigits = 13
	maxCardDigits = 19
)

// runEnd extends i over further separator-joined digit groups.
func runEnd(text string, i int) int {
	for i+1 < len(text) && (text[i] == ' ' || text[i] == '-') && isDigit(text[i+1]) {
		i++
		for i < len(text) && isDigit(text[i]) {
			i++
		}
	}
	return i
}

// luhnSpan finds the first Luhn-valid card aligned to digit-group
// boundaries inside text[start:end].
func luhnSpan(text string, start, end int) (int, int, bool) {
	var starts, ends []int
	for i := start; i < end; i++ {
		if isDigit(text[i]) && (i == start || !isDigit(text[i-1])) {
			starts = append(starts, i)
		}
		if isDigit(text[i]) && (i+1 == end || !isDigit(text[i+1])) {
			ends = append(ends, i+1)
		}
	}
	for _, s := range starts {
		for _, e := range ends {
			if e <= s {
				continue
			}
			digits := digitsOf(text[s:e])
			if len(digits) > maxCardDigits {
				break
			}
			if luhnValid(digits) {
				return s, e, true
			}
		}
	}
	return 0, 0, false
}

func trimSeparators(text string, start, end int) int {
	for end > start && !isDigit(text[end-1]) {
		end--
	}
	return end
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func digitsOf(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if isDigit(s[i]) {
			b = append(b, s[i])
		}
	}
	return string(b)
}

func luhnValid(digits string) bool {
	if len(digits) < minCardDigits || len(digits) > maxCardDigits {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validSSN rejects numbers the SSA never issues.
func validSSN(area, group, serial string) bool {
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}
