package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_HighlightsPeerAndPieceAttributes(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false
	opts.DisableTimestamp = true

	h := NewPrettyHandler(&buf, &opts)
	log := slog.New(h).With("peer", 1001)
	log.Info("received piece", "piece", 4, "bytes", 16)

	line := buf.String()
	if !strings.Contains(line, "peer=1001") {
		t.Fatalf("line %q missing inline peer highlight", line)
	}
	if !strings.Contains(line, "piece=4") {
		t.Fatalf("line %q missing inline piece highlight", line)
	}
	if strings.Contains(line, `"peer"`) || strings.Contains(line, `"piece"`) {
		t.Fatalf("line %q should not duplicate peer/piece in the trailing JSON blob: %s", line, line)
	}
	if !strings.Contains(line, `"bytes"`) {
		t.Fatalf("line %q should still carry non-highlighted attributes in JSON: %s", line, line)
	}
}

func TestPrettyHandler_NoHighlightsWhenKeysAbsent(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false
	opts.DisableTimestamp = true

	h := NewPrettyHandler(&buf, &opts)
	slog.New(h).Info("no domain attrs", "other", "value")

	line := buf.String()
	if strings.Contains(line, "peer=") || strings.Contains(line, "piece=") {
		t.Fatalf("line %q should not contain a highlight with no peer/piece attribute: %s", line, line)
	}
}
