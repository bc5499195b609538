package cmdlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"zenflow/internal/logging"
)

func TestRunLogsOutcome(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.SetOutput(&buf)
	defer logging.SetOutput(prev)

	if err := Run("grant", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	want := errors.New("no such account")
	if err := Run("grant", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("err %v", err)
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("lines %q", lines)
	}
	var ok, failed struct {
		Level   string         `json:"level"`
		Message string         `json:"message"`
		Fields  map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(lines[0], &ok); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(lines[1], &failed); err != nil {
		t.Fatal(err)
	}
	if ok.Message != "grant_ok" || failed.Message != "grant_error" || failed.Level != "error" || failed.Fields["error"] != "no such account" {
		t.Fatalf("ok %+v failed %+v", ok, failed)
	}
}
