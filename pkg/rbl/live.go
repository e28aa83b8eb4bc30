package rbl

import "sync/atomic"

// Live holds the table currently used for scoring. Readers take a snapshot
// with Current and keep using it for the whole request; Swap replaces the
// table wholesale and never touches the old one.
type Live struct {
	current atomic.Pointer[Table]
}

// NewLive creates a holder serving t
func NewLive(t *Table) *Live {
	l := &Live{}
	l.current.Store(t)
	return l
}

// Current returns the live table
func (l *Live) Current() *Table {
	return l.current.Load()
}

// Swap makes t the live table and returns the previous one
func (l *Live) Swap(t *Table) *Table {
	return l.current.Swap(t)
}
