package octoflow

import "strings"

// activeSet is the de-duplicated, case-insensitive collection of node IDs an
// instance is currently paused at. It preserves insertion order so the
// continuation loop iterates deterministically.
type activeSet struct {
	ids  []string
	seen map[string]struct{}
}

func newActiveSet(ids []string) *activeSet {
	s := &activeSet{seen: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}

	return s
}

func (s *activeSet) Add(nodeID string) bool {
	key := strings.ToLower(nodeID)
	if _, ok := s.seen[key]; ok {
		return false
	}

	s.seen[key] = struct{}{}
	s.ids = append(s.ids, nodeID)

	return true
}

func (s *activeSet) Remove(nodeID string) bool {
	key := strings.ToLower(nodeID)
	if _, ok := s.seen[key]; !ok {
		return false
	}

	delete(s.seen, key)
	for i, id := range s.ids {
		if strings.EqualFold(id, nodeID) {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)

			break
		}
	}

	return true
}

func (s *activeSet) Contains(nodeID string) bool {
	_, ok := s.seen[strings.ToLower(nodeID)]

	return ok
}

func (s *activeSet) Len() int {
	return len(s.ids)
}

// Snapshot returns a copy safe to iterate while the set is mutated.
func (s *activeSet) Snapshot() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)

	return out
}

func (s *activeSet) IDs() []string {
	return s.Snapshot()
}
