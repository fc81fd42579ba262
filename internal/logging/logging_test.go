package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriter_ProdWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "prod", "consult-api")
	logger.Info().Str("meeting_id", "room-7").Msg("connected")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "consult-api" {
		t.Errorf("expected service field, got %v", entry["service"])
	}
	if entry["meeting_id"] != "room-7" {
		t.Errorf("expected meeting_id field, got %v", entry["meeting_id"])
	}
}

func TestNewWithWriter_DevIsConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "dev", "consultctl")
	logger.Info().Msg("hello")

	if json.Valid(buf.Bytes()) {
		t.Errorf("expected console output in dev, got JSON %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("hello")) {
		t.Errorf("expected message in output, got %q", buf.String())
	}
}
