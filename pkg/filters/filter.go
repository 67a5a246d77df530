package filters

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

type FilterType string

const (
	FilterTypeContains FilterType = "contains"
	FilterTypeRegex    FilterType = "regex"
	FilterTypeExact    FilterType = "exact"
	// FilterTypeGlob matches with shell patterns, e.g. "Network.*".
	FilterTypeGlob FilterType = "glob"
)

// Filter matches method names such as "Runtime.consoleAPICalled".
type Filter struct {
	Name          string
	Type          FilterType
	Pattern       string
	CaseSensitive bool
	Negate        bool
	regex         *regexp.Regexp
}

func NewFilter(name string, filterType FilterType, pattern string, caseSensitive bool) (*Filter, error) {
	f := &Filter{
		Name:          name,
		Type:          filterType,
		Pattern:       pattern,
		CaseSensitive: caseSensitive,
	}

	switch filterType {
	case FilterTypeRegex:
		flags := ""
		if !caseSensitive {
			flags = "(?i)"
		}
		regex, err := regexp.Compile(flags + pattern)
		if err != nil {
			return nil, err
		}
		f.regex = regex
	case FilterTypeGlob:
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
	case FilterTypeContains, FilterTypeExact:
	default:
		return nil, fmt.Errorf("unknown filter type %q", filterType)
	}

	return f, nil
}

// MustFilter is NewFilter for patterns known to be valid.
func MustFilter(name string, filterType FilterType, pattern string) *Filter {
	f, err := NewFilter(name, filterType, pattern, true)
	if err != nil {
		panic(err)
	}
	return f
}

// Not returns a copy of f with inverted matching.
func (f *Filter) Not() *Filter {
	neg := *f
	neg.Negate = !f.Negate
	return &neg
}

func (f *Filter) Matches(content string) bool {
	return f.match(content) != f.Negate
}

func (f *Filter) match(content string) bool {
	switch f.Type {
	case FilterTypeContains:
		if f.CaseSensitive {
			return strings.Contains(content, f.Pattern)
		}
		return strings.Contains(strings.ToLower(content), strings.ToLower(f.Pattern))

	case FilterTypeRegex:
		return f.regex.MatchString(content)

	case FilterTypeExact:
		if f.CaseSensitive {
			return content == f.Pattern
		}
		return strings.EqualFold(content, f.Pattern)

	case FilterTypeGlob:
		pattern := f.Pattern
		if !f.CaseSensitive {
			pattern = strings.ToLower(pattern)
			content = strings.ToLower(content)
		}
		ok, _ := path.Match(pattern, content)
		return ok

	default:
		return false
	}
}

// Set matches when any of its filters match. An empty set matches everything.
type Set []*Filter

func (s Set) Matches(content string) bool {
	if len(s) == 0 {
		return true
	}
	for _, f := range s {
		if f.Matches(content) {
			return true
		}
	}
	return false
}
