package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn")
	l.Info("hidden")
	l.Warn("shown", "order_id", 7)

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "shown" || rec["order_id"] != float64(7) {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestLevelFromStringDefaultsToInfo(t *testing.T) {
	if levelFromString("nonsense").Level().String() != "INFO" {
		t.Fatal("expected INFO")
	}
}
