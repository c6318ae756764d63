package set

type Set[T comparable] struct {
	set map[T]struct{}
}

func (s *Set[T]) Insert(k T) {
	if s.set == nil {
		s.set = make(map[T]struct{})
	}
	s.set[k] = struct{}{}
}

func (s *Set[T]) Contains(k T) bool {
	_, ok := s.set[k]
	return ok
}

func (s *Set[T]) Len() int {
	return len(s.set)
}

// Items returns the set's members in unspecified order.
func (s *Set[T]) Items() []T {
	items := make([]T, 0, len(s.set))
	for k := range s.set {
		items = append(items, k)
	}
	return items
}
