package spanz

// childSet is the insertion-ordered set of direct children of a span.
type childSet struct {
	index map[*Span]struct{}
	order []*Span
}

// addChild links child under s. Links beyond MaxChildren are dropped.
func (s *Span) addChild(child *Span) {
	if s == nil || child == nil {
		return
	}
	limit := s.tracer.options.MaxChildren

	s.mu.Lock()
	if s.children.index == nil {
		s.children.index = make(map[*Span]struct{})
	}
	if _, ok := s.children.index[child]; ok {
		s.mu.Unlock()
		return
	}
	if len(s.children.order) >= limit {
		s.mu.Unlock()
		s.tracer.metrics.spanDropped(dropChildOverflow)
		return
	}
	s.children.index[child] = struct{}{}
	s.children.order = append(s.children.order, child)
	s.mu.Unlock()
}

// Children returns the direct children of s in the order they were linked.
func (s *Span) Children() []*Span {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Span, len(s.children.order))
	copy(out, s.children.order)
	return out
}

// GetSpanTree returns span followed by all of its descendants, depth first.
// Every span appears once even if the links form a cycle.
func GetSpanTree(span *Span) []*Span {
	if span == nil {
		return nil
	}
	visited := make(map[*Span]struct{})
	var tree []*Span

	stack := []*Span{span}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}
		tree = append(tree, current)

		children := current.Children()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return tree
}
