package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestTableAlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "ADDRESS", "NAME")
	tbl.Row("10.0.0.5", "rig-e")
	tbl.Row("10.0.0.100", "chamber-2")
	tbl.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "ADDRESS") {
		t.Errorf("header line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "-------") {
		t.Errorf("divider line = %q", lines[1])
	}
	// Both NAME cells must start at the same column.
	col := strings.Index(lines[2], "rig-e")
	if col < 0 || strings.Index(lines[3], "chamber-2") != col {
		t.Errorf("columns not aligned:\n%s", buf.String())
	}
}

func TestTableEmptyProducesNoOutput(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "A", "B")
	tbl.Flush()
	if buf.Len() != 0 {
		t.Errorf("empty table wrote %q", buf.String())
	}
}

func TestTableDividerMatchesHeaderWidths(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "AB", "CDEF")
	tbl.Row("x", "y")
	tbl.Flush()

	lines := strings.Split(buf.String(), "\n")
	divider := strings.Fields(lines[1])
	if divider[0] != "--" || divider[1] != "----" {
		t.Errorf("divider = %v", divider)
	}
}
