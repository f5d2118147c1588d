package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetupWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := SetupWriter(&buf, "info", "json"); err != nil {
		t.Fatalf("SetupWriter: %v", err)
	}
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	log.Debug().Msg("hidden")
	log.Ctx(context.Background()).Info().Str("job_id", "j1").Msg("visible")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["job_id"] != "j1" || entry["message"] != "visible" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestSetupWriter_Invalid(t *testing.T) {
	var buf bytes.Buffer
	if err := SetupWriter(&buf, "loud", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
	if err := SetupWriter(&buf, "info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
