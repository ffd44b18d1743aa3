package shape

import (
	"errors"
	"testing"
)

func TestDecodeMessages(t *testing.T) {
	body := []byte(`[
		{"key":"k1","value":{"name":"A"},"headers":{"operation":"insert","offset":"3"}},
		{"key":"k1","value":{"name":"B"},"headers":{"operation":"update","offset":4}},
		{"headers":{"control":"up-to-date"}}
	]`)

	msgs, err := DecodeMessages(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Headers.Offset != 3 || msgs[1].Headers.Offset != 4 {
		t.Errorf("unexpected offsets %d, %d", msgs[0].Headers.Offset, msgs[1].Headers.Offset)
	}
	if !msgs[2].IsControl() || msgs[2].Headers.Control != ControlUpToDate {
		t.Errorf("expected up-to-date control, got %+v", msgs[2].Headers)
	}
}

func TestDecodeMessages_SchemaMismatch(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not an array", body: `{"headers":{"control":"up-to-date"}}`},
		{name: "missing key", body: `[{"value":{},"headers":{"operation":"insert","offset":"1"}}]`},
		{name: "unknown operation", body: `[{"key":"k","headers":{"operation":"upsert","offset":"1"}}]`},
		{name: "unknown control", body: `[{"headers":{"control":"pause"}}]`},
		{name: "bad offset", body: `[{"key":"k","headers":{"operation":"insert","offset":"x"}}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessages([]byte(tt.body))
			var sm *SchemaMismatchError
			if !errors.As(err, &sm) {
				t.Errorf("expected SchemaMismatchError, got %v", err)
			}
		})
	}
}

func TestEncodeMessages(t *testing.T) {
	data, err := EncodeMessages([]Message{ControlMessage(ControlMustRefetch)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `[{"headers":{"control":"must-refetch"}}]` {
		t.Errorf("unexpected encoding %s", data)
	}

	empty, _ := EncodeMessages(nil)
	if string(empty) != "[]" {
		t.Errorf("expected empty array, got %s", empty)
	}
}

func TestParseOffset(t *testing.T) {
	if o, err := ParseOffset(""); err != nil || o != BeforeStart {
		t.Errorf("expected BeforeStart, got %d (%v)", o, err)
	}
	if o, err := ParseOffset("17"); err != nil || o != 17 {
		t.Errorf("expected 17, got %d (%v)", o, err)
	}
	if _, err := ParseOffset("-5"); !errors.Is(err, ErrInvalidOffset) {
		t.Errorf("expected ErrInvalidOffset, got %v", err)
	}
}

func TestRowClone(t *testing.T) {
	orig := Row{"tags": []any{"a"}, "meta": map[string]any{"n": float64(1)}}
	clone := orig.Clone()

	clone["tags"].([]any)[0] = "b"
	clone["meta"].(map[string]any)["n"] = float64(2)

	if orig["tags"].([]any)[0] != "a" {
		t.Error("clone shares slice with original")
	}
	if orig["meta"].(map[string]any)["n"] != float64(1) {
		t.Error("clone shares map with original")
	}
}
