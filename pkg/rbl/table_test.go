package rbl

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func domains(t *Table) []string {
	out := make([]string, 0, t.Len())
	for _, e := range t.Entries() {
		out = append(out, e.Domain)
	}
	return out
}

func TestParseOrdersByDescendingWeight(t *testing.T) {
	input := `
# weighted lists
low.example      10
high.example     100   # trailing comment
mid.example      50
mid2.example     50
hex.example      0x20
octal.example    010
	tabbed.example	75
`
	table, err := Parse(strings.NewReader(input), "rbl.conf")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"high.example",
		"tabbed.example",
		"mid.example",
		"mid2.example",
		"hex.example",
		"low.example",
		"octal.example",
	}, domains(table))

	prev := MaxWeight + 1
	for _, e := range table.Entries() {
		assert.LessOrEqual(t, e.Weight, prev, "weights must not increase")
		prev = e.Weight
	}
	assert.Equal(t, 32, table.Entries()[4].Weight)
	assert.Equal(t, 8, table.Entries()[6].Weight)
}

func TestParseTiesKeepFileOrder(t *testing.T) {
	table, err := Parse(strings.NewReader("a.example 5\nb.example 5\nc.example 5\n"), "ties")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example", "b.example", "c.example"}, domains(table))
}

func TestParseRejectsEmptyInput(t *testing.T) {
	for _, input := range []string{"", "\n   \n# only comments\n"} {
		table, err := Parse(strings.NewReader(input), "empty")
		require.Error(t, err)
		assert.Nil(t, table)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "no blocklists configured")
	}
}

func TestParseRejectsInvalidLines(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		line   int
		reason string
	}{
		{"weight zero", "a.example 0\n", 1, "outside allowed range"},
		{"negative weight", "a.example -5\n", 1, "outside allowed range"},
		{"above int16", "ok.example 10\na.example 32768\n", 2, "outside allowed range"},
		{"overflows int64", "a.example 99999999999999999999\n", 1, "outside allowed range"},
		{"not numeric", "a.example ten\n", 1, "not numeric"},
		{"trailing garbage", "a.example 10 extra\n", 1, "not numeric"},
		{"digit separator", "a.example 1_00\n", 1, "not numeric"},
		{"binary literal", "a.example 0b1100100\n", 1, "not numeric"},
		{"0o octal literal", "a.example 0o144\n", 1, "not numeric"},
		{"hex separator", "a.example 0x_64\n", 1, "not numeric"},
		{"bare hex prefix", "a.example 0x\n", 1, "not numeric"},
		{"double sign", "a.example +-5\n", 1, "not numeric"},
		{"bad octal digit", "a.example 089\n", 1, "not numeric"},
		{"domain only", "\n\na.example\n", 3, "premature end of line"},
		{"domain then comment", "a.example # 10\n", 1, "premature end of line"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := Parse(strings.NewReader(tt.input), "rbl.conf")
			require.Error(t, err)
			assert.Nil(t, table, "no partial table may be returned")
			assert.True(t, errors.Is(err, ErrInvalidConfig))

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.line, cfgErr.Line)
			assert.Contains(t, cfgErr.Reason, tt.reason)
			assert.Contains(t, err.Error(), "rbl.conf line")
		})
	}
}

func TestParseWeightForms(t *testing.T) {
	tests := map[string]int{
		"100":    100,
		"+100":   100,
		"0x64":   100,
		"0X64":   100,
		"0144":   100,
		"0x7fff": MaxWeight,
	}
	for raw, want := range tests {
		table, err := Parse(strings.NewReader("a.example "+raw+"\n"), "forms")
		require.NoError(t, err, raw)
		assert.Equal(t, want, table.Entries()[0].Weight, raw)
	}
}

func TestParseAcceptsWeightBounds(t *testing.T) {
	table, err := Parse(strings.NewReader("min.example 1\nmax.example 32767\n"), "bounds")
	require.NoError(t, err)
	assert.Equal(t, []string{"max.example", "min.example"}, domains(table))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rbl.conf")
	require.NoError(t, os.WriteFile(path, []byte("a.example 60\nb.example. 50\n"), 0644))

	table, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, table.Source())
	assert.Equal(t, []string{"a.example", "b.example"}, domains(table))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.conf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestEntryCounters(t *testing.T) {
	e := &Entry{Domain: "a.example", Weight: 60}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.RecordLookup(i%5 == 0, 2*time.Millisecond)
		}(i)
	}
	wg.Wait()

	q, h := e.Counters()
	assert.Equal(t, uint64(50), q)
	assert.Equal(t, uint64(10), h)
}

func TestSnapshotAndDump(t *testing.T) {
	table, err := Parse(strings.NewReader("a.example 60\nb.example 50\n"), "rbl.conf")
	require.NoError(t, err)
	table.Entries()[0].RecordLookup(true, 4*time.Millisecond)

	snap := table.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a.example", snap[0].Domain)
	assert.Equal(t, uint64(1), snap[0].Questions)
	assert.Equal(t, uint64(1), snap[0].Hits)
	assert.Equal(t, 4*time.Millisecond, snap[0].MeanResponse)
	assert.Equal(t, uint64(0), snap[1].Questions)

	var buf bytes.Buffer
	require.NoError(t, table.Dump(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "<rblservers>", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "a.example "))
	assert.True(t, strings.HasSuffix(lines[2], " 50"))
	assert.Equal(t, "</rblservers>", lines[3])
}

func TestLiveSwap(t *testing.T) {
	oldTable, err := Parse(strings.NewReader("old.example 100\n"), "old")
	require.NoError(t, err)
	newTable, err := Parse(strings.NewReader("new.example 100\n"), "new")
	require.NoError(t, err)

	live := NewLive(oldTable)
	snapshot := live.Current()

	prev := live.Swap(newTable)
	assert.Same(t, oldTable, prev)
	assert.Same(t, newTable, live.Current())

	// A reader holding the old snapshot keeps seeing it intact
	assert.Equal(t, []string{"old.example"}, domains(snapshot))
}
