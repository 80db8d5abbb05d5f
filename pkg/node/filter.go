package node

import "sort"

// SourceFilter is an allow-list of sender ids. An empty filter allows every
// source.
type SourceFilter struct {
	allowed map[string]struct{}
}

// NewSourceFilter builds a filter from sources. Blank entries are ignored.
func NewSourceFilter(sources []string) SourceFilter {
	f := SourceFilter{}
	for _, s := range sources {
		if s == "" {
			continue
		}
		if f.allowed == nil {
			f.allowed = make(map[string]struct{}, len(sources))
		}
		f.allowed[s] = struct{}{}
	}
	return f
}

// AllowsAll reports whether the filter is empty.
func (f SourceFilter) AllowsAll() bool {
	return len(f.allowed) == 0
}

// Allows reports whether data from source may be received.
func (f SourceFilter) Allows(source string) bool {
	if f.AllowsAll() {
		return true
	}
	_, ok := f.allowed[source]
	return ok
}

// Sources returns the allowed ids in sorted order, or nil for an empty filter.
func (f SourceFilter) Sources() []string {
	if f.AllowsAll() {
		return nil
	}
	out := make([]string, 0, len(f.allowed))
	for s := range f.allowed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
