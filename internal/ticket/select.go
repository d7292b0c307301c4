package ticket

// Preferred picks the ticket a call should attach to when several match:
// New beats InProgress beats anything else, and within the same status the
// newest ticket wins. It returns nil for an empty slice.
func Preferred(candidates []*Ticket) *Ticket {
	var best *Ticket
	for _, t := range candidates {
		if best == nil || better(t, best) {
			best = t
		}
	}
	return best
}

func rank(s Status) int {
	switch s {
	case StatusNew:
		return 0
	case StatusInProgress:
		return 1
	}
	return 2
}

func better(a, b *Ticket) bool {
	if ra, rb := rank(a.Status), rank(b.Status); ra != rb {
		return ra < rb
	}
	return a.CreatedAt.After(b.CreatedAt)
}
