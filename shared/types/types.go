package shared

import "sort"

// Status classifies paths of a working copy or of a revision pair.
type Status struct {
	Modified []string `json:"modified,omitempty"`
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Missing  []string `json:"missing,omitempty"`
	Unknown  []string `json:"unknown,omitempty"`
	Ignored  []string `json:"ignored,omitempty"`
	Clean    []string `json:"clean,omitempty"`
}

// Lists returns pointers to every list, in display order.
func (s *Status) Lists() []*[]string {
	return []*[]string{&s.Modified, &s.Added, &s.Removed, &s.Missing, &s.Unknown, &s.Ignored, &s.Clean}
}

// Sort orders every list.
func (s *Status) Sort() {
	for _, l := range s.Lists() {
		sort.Strings(*l)
	}
}

// Dirty reports whether anything is modified, added, removed or missing.
func (s *Status) Dirty() bool {
	return len(s.Modified)+len(s.Added)+len(s.Removed)+len(s.Missing) > 0
}

// Map applies fn to every path, dropping paths for which keep is false.
func (s Status) Map(fn func(string) (string, bool)) Status {
	var out Status
	src := s.Lists()
	dst := out.Lists()
	for i := range src {
		for _, p := range *src[i] {
			if q, keep := fn(p); keep {
				*dst[i] = append(*dst[i], q)
			}
		}
	}
	return out
}
