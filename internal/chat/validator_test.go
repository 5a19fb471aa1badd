package chat

import (
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want error
	}{
		{"ok", "hello", nil},
		{"empty", "", ErrEmptyMessage},
		{"max chars", strings.Repeat("a", MaxTextChars), nil},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), ErrMessageTooLong},
		{"too many bytes", strings.Repeat("é", MaxMessageBytes/2+1), ErrMessageTooLong},
		{"multibyte within limits", strings.Repeat("é", MaxTextChars), nil},
		{"invalid utf8", "bad \xff byte", ErrInvalidEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateMessage(tt.text); got != tt.want {
				t.Errorf("ValidateMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"ended","session_id":"s1","saved":true,"ts":1}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Type != EventEnded || !ev.Saved || ev.SessionID != "s1" {
		t.Errorf("unexpected event %+v", ev)
	}

	for _, bad := range []string{`not json`, `{"type":"ended"}`, `{"session_id":"s1"}`} {
		if _, err := DecodeEvent([]byte(bad)); err == nil {
			t.Errorf("DecodeEvent(%s) succeeded, want error", bad)
		}
	}
}

func TestSession_Partner(t *testing.T) {
	s := &Session{ParticipantA: "a", ParticipantB: "b"}
	if s.Partner("a") != "b" || s.Partner("b") != "a" || s.Partner("c") != "" {
		t.Error("Partner mapping wrong")
	}
	if !s.IsParticipant("a") || s.IsParticipant("c") {
		t.Error("IsParticipant wrong")
	}
}
