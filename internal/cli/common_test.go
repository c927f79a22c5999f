package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestPrintVersion_JSON(t *testing.T) {
	var buf bytes.Buffer
	PrintVersion(&buf, "tinykern", true)
	var out map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, buf.String())
	}
	if string(out["tool"]) != `"tinykern"` {
		t.Fatalf("tool = %s", out["tool"])
	}
}

func TestPrintVersion_Text(t *testing.T) {
	var buf bytes.Buffer
	PrintVersion(&buf, "tinykern", false)
	if !strings.HasPrefix(buf.String(), "tinykern v"+Version) {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "test", false, false)
	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info must be suppressed without -verbose: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown 2") {
		t.Fatalf("warn missing: %q", buf.String())
	}

	buf.Reset()
	l = NewLoggerTo(&buf, "test", false, true)
	l.Debug("dbg")
	if !strings.Contains(buf.String(), "dbg") {
		t.Fatalf("debug missing: %q", buf.String())
	}
}
