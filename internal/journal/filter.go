package journal

import (
	"regexp"
	"sync"
)

// regexFilter holds a set of compiled suppression patterns: a message
// matching any of them is dropped rather than turned into a SystemAlert.
// Grounded on the teacher's silencing.RegexCache shape, repurposed from
// label-matcher silencing to message-filter suppression and simplified to
// a fixed pattern set compiled once at construction instead of a growing
// cache, since JLAP's filter list is config, not runtime-supplied.
type regexFilter struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// newRegexFilter compiles every non-empty pattern; invalid patterns are
// skipped rather than rejected outright, mirroring the original's
// tolerance of bad config entries.
func newRegexFilter(patterns []string) *regexFilter {
	f := &regexFilter{}

	for _, p := range patterns {
		if p == "" {
			continue
		}

		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}

		f.patterns = append(f.patterns, re)
	}

	return f
}

// suppresses reports whether message matches any configured filter.
func (f *regexFilter) suppresses(message string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, re := range f.patterns {
		if re.MatchString(message) {
			return true
		}
	}

	return false
}
