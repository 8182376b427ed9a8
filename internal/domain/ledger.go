package domain

// Snapshot is the full ledger: every open and closed position. Closed
// entries are append-only.
type Snapshot struct {
	Open   []Position `json:"open"`
	Closed []Position `json:"closed"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// store's view.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Open:   make([]Position, len(s.Open)),
		Closed: make([]Position, len(s.Closed)),
	}
	for i, p := range s.Open {
		out.Open[i] = clonePosition(p)
	}
	for i, p := range s.Closed {
		out.Closed[i] = clonePosition(p)
	}
	return out
}

func clonePosition(p Position) Position {
	if p.TakeProfitTargets != nil {
		targets := make([]TakeProfitTarget, len(p.TakeProfitTargets))
		copy(targets, p.TakeProfitTargets)
		p.TakeProfitTargets = targets
	}
	if p.Exits != nil {
		exits := make([]PartialExit, len(p.Exits))
		copy(exits, p.Exits)
		p.Exits = exits
	}
	return p
}

// FindOpen returns the index of the OPEN position for symbol, or -1.
func (s *Snapshot) FindOpen(symbol string) int {
	for i := range s.Open {
		if s.Open[i].Symbol == symbol {
			return i
		}
	}
	return -1
}

// FindOpenByID returns the index of the OPEN position with the given id,
// or -1.
func (s *Snapshot) FindOpenByID(id string) int {
	for i := range s.Open {
		if s.Open[i].ID == id {
			return i
		}
	}
	return -1
}

// ActiveSymbols returns the set of symbols that have an OPEN position.
func (s Snapshot) ActiveSymbols() map[string]bool {
	out := make(map[string]bool, len(s.Open))
	for _, p := range s.Open {
		out[p.Symbol] = true
	}
	return out
}

// CloseAt moves the open position at index i into the closed list. The
// position must already carry its close fields.
func (s *Snapshot) CloseAt(i int) {
	p := s.Open[i]
	p.Status = PositionStatusClosed
	s.Closed = append(s.Closed, p)
	s.Open = append(s.Open[:i], s.Open[i+1:]...)
}
