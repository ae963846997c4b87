package contract

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeChunkUnknownKindFallsBack(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"kind":"hologram","data":{"run_id":"r1","seq":7,"frames":3}}`)
	c, err := DecodeChunk(raw)
	if err != nil {
		t.Fatalf("DecodeChunk() error = %v", err)
	}

	var gotUnknown bool
	Dispatch(c, Handler{
		Final:   func(*FinalChunk) { t.Fatal("unexpected final dispatch") },
		Unknown: func(Chunk) { gotUnknown = true },
	})
	if !gotUnknown {
		t.Fatal("expected unknown handler to run")
	}
	if c.Kind() != "hologram" {
		t.Fatalf("unexpected kind: %s", c.Kind())
	}
	if c.Meta().RunID != "r1" || c.Meta().Seq != 7 {
		t.Fatalf("unexpected envelope: %#v", c.Meta())
	}
	if IsTerminal(c) {
		t.Fatal("unknown chunk must not be terminal")
	}
}

func TestEncodeDecodeFinalChunk(t *testing.T) {
	t.Parallel()

	conf := 0.82
	in := Stamp(&FinalChunk{Answer: FinalAnswer{
		Content:    "Take with food.",
		Confidence: &conf,
		Path:       PathReAct,
		Citations:  []Citation{CitationFor(1, NewScoredEvidence("d1", "Label", "text", "kb", 0.9))},
	}}, Envelope{RunID: "run-1", Seq: 3})

	raw, err := EncodeChunk(in)
	if err != nil {
		t.Fatalf("EncodeChunk() error = %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	if string(wire["kind"]) != `"final"` {
		t.Fatalf("unexpected wire kind: %s", wire["kind"])
	}

	out, err := DecodeChunk(raw)
	if err != nil {
		t.Fatalf("DecodeChunk() error = %v", err)
	}
	final, ok := out.(*FinalChunk)
	if !ok {
		t.Fatalf("unexpected chunk type: %T", out)
	}
	if !IsTerminal(final) {
		t.Fatal("final chunk must be terminal")
	}
	if final.Answer.Citations[0].Level != EvidenceA {
		t.Fatalf("unexpected citation level: %s", final.Answer.Citations[0].Level)
	}
	if final.Meta().Seq != 3 {
		t.Fatalf("unexpected seq: %d", final.Meta().Seq)
	}
}

func TestIsTerminalCancelledStatus(t *testing.T) {
	t.Parallel()

	if !IsTerminal(&StatusChunk{State: StateCancelled}) {
		t.Fatal("cancelled status must be terminal")
	}
	if IsTerminal(&StatusChunk{State: StatePlanning}) {
		t.Fatal("planning status must not be terminal")
	}
	if !IsTerminal(&ErrorChunk{Code: "model_timeout"}) {
		t.Fatal("error chunk must be terminal")
	}
}

func TestModeConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     ModeConfig
		wantErr bool
	}{
		{name: "manual with agent", cfg: ModeConfig{Mode: ModeManualSingleShot, AgentID: "cardio", Message: "hi"}},
		{name: "manual without agent", cfg: ModeConfig{Mode: ModeAutonomousManual, Message: "hi"}, wantErr: true},
		{name: "automatic without agent", cfg: ModeConfig{Mode: ModeAutonomousAutomatic, Message: "hi"}},
		{name: "empty message", cfg: ModeConfig{Mode: ModeAutomaticSingleShot, Message: "  "}, wantErr: true},
		{name: "unknown mode", cfg: ModeConfig{Mode: 9, Message: "hi"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
