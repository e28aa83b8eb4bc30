// Package rbl holds the weighted blocklist table consulted for every policy
// request.
//
// A table file has one list per line:
//
//	# domain              weight
//	zen.spamhaus.org      100
//	bl.spamcop.net        50
//
// Weights are integers in 1..32767 written in decimal, 0x-hex or 0-octal.
// Everything after '#' is ignored. A single bad line rejects the whole file.
package rbl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"rbl-policyd/pkg/stats"
)

// Weight limits
const (
	MinWeight = 1
	MaxWeight = 32767
)

// Entry is one blocklist. Domain and Weight never change after load; the
// counters are updated by every lookup against this list.
type Entry struct {
	Domain string
	Weight int

	mu        sync.Mutex
	questions uint64
	hits      uint64
	times     stats.Ring
}

// RecordLookup accounts one finished lookup against this list
func (e *Entry) RecordLookup(matched bool, d time.Duration) {
	e.mu.Lock()
	e.questions++
	if matched {
		e.hits++
	}
	e.mu.Unlock()
	e.times.Record(d)
}

// Counters returns the number of lookups and of positive answers
func (e *Entry) Counters() (questions, hits uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.questions, e.hits
}

// Table is an immutable list of entries ordered by descending weight,
// entries of equal weight in file order
type Table struct {
	source  string
	entries []*Entry
}

// Load reads and parses the table file at path
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{File: path, Reason: "cannot open", Err: err}
	}
	defer func() { _ = f.Close() }()

	return Parse(f, path)
}

// Parse reads a table from r; name is used in error messages
func Parse(r io.Reader, name string) (*Table, error) {
	t := &Table{source: name}

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++

		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		entry, reason := parseLine(line)
		if reason != "" {
			return nil, &ConfigError{File: name, Line: lineno, Reason: reason}
		}
		t.insert(entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, &ConfigError{File: name, Reason: "read failed", Err: err}
	}
	if len(t.entries) == 0 {
		return nil, &ConfigError{File: name, Reason: "no blocklists configured"}
	}

	return t, nil
}

// parseLine splits a cleaned, non-empty line into domain and weight.
// A non-empty reason means the line is invalid.
func parseLine(line string) (*Entry, string) {
	i := strings.IndexAny(line, " \t\v\f\r")
	if i < 0 {
		return nil, "premature end of line"
	}
	domain := line[:i]
	raw := strings.TrimSpace(line[i:])

	weight, err := parseWeight(raw)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return nil, fmt.Sprintf("argument '%s' is outside allowed range", raw)
		}
		return nil, fmt.Sprintf("argument '%s' is not numeric", raw)
	}
	if weight < MinWeight || weight > MaxWeight {
		return nil, fmt.Sprintf("argument '%s' is outside allowed range", raw)
	}

	return &Entry{Domain: strings.TrimSuffix(domain, "."), Weight: int(weight)}, ""
}

// parseWeight accepts an optionally signed integer in decimal, 0x-hex or
// 0-octal. Go-only forms such as 0b, 0o and digit separators are refused.
func parseWeight(s string) (int64, error) {
	digits := s
	neg := false
	if digits != "" && (digits[0] == '+' || digits[0] == '-') {
		neg = digits[0] == '-'
		digits = digits[1:]
	}

	base := 10
	switch {
	case len(digits) > 1 && digits[0] == '0' && (digits[1] == 'x' || digits[1] == 'X'):
		base, digits = 16, digits[2:]
	case len(digits) > 1 && digits[0] == '0':
		base, digits = 8, digits[1:]
	}
	// ParseInt would take a second sign after the prefix
	if digits == "" || digits[0] == '+' || digits[0] == '-' {
		return 0, strconv.ErrSyntax
	}

	v, err := strconv.ParseInt(digits, base, 64)
	if err != nil {
		return 0, err
	}
	if neg {
		v = -v
	}
	return v, nil
}

// insert places e after every entry with a weight >= its own
func (t *Table) insert(e *Entry) {
	pos := len(t.entries)
	for i, cur := range t.entries {
		if cur.Weight < e.Weight {
			pos = i
			break
		}
	}
	t.entries = append(t.entries, nil)
	copy(t.entries[pos+1:], t.entries[pos:])
	t.entries[pos] = e
}

// Entries returns the entries in scoring order. The slice must not be modified.
func (t *Table) Entries() []*Entry {
	return t.entries
}

// Len returns the number of entries
func (t *Table) Len() int {
	return len(t.entries)
}

// Source returns the file the table was loaded from
func (t *Table) Source() string {
	return t.source
}

// Snapshot returns the counters of every entry for the status report
func (t *Table) Snapshot() []stats.ListSnapshot {
	out := make([]stats.ListSnapshot, 0, len(t.entries))
	for _, e := range t.entries {
		q, h := e.Counters()
		out = append(out, stats.ListSnapshot{
			Domain:       e.Domain,
			Weight:       e.Weight,
			Questions:    q,
			Hits:         h,
			MeanResponse: e.times.Mean(),
		})
	}
	return out
}

// Dump writes the table in a human-readable form
func (t *Table) Dump(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "<rblservers>"); err != nil {
		return err
	}
	for _, e := range t.entries {
		if _, err := fmt.Fprintf(w, "%-40s %5d\n", e.Domain, e.Weight); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "</rblservers>")
	return err
}
