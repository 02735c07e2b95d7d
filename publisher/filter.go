package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/maxpert/rowhook/event"
)

// GlobFilter filters tables using glob patterns
type GlobFilter struct {
	tableGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(tablePatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		tableGlobs: make([]glob.Glob, 0, len(tablePatterns)),
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}

	return filter, nil
}

// Match returns true if the table matches any configured pattern
// If no patterns are configured, all tables match
func (f *GlobFilter) Match(table string) bool {
	if len(f.tableGlobs) == 0 {
		return true
	}
	for _, g := range f.tableGlobs {
		if g.Match(table) {
			return true
		}
	}
	return false
}

// Accept lets a GlobFilter restrict a listener registration, so unmatched
// events are never buffered.
func (f *GlobFilter) Accept(ev event.Event) bool {
	return f.Match(ev.Table().Name)
}
