package models

import (
	"testing"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		want    FrameType
	}{
		{
			name: "valid join",
			raw:  `{"type":"join","roomId":"team_7"}`,
			want: FrameJoin,
		},
		{
			name: "valid leave",
			raw:  `{"type":"leave","roomId":"team_7"}`,
			want: FrameLeave,
		},
		{
			name: "valid chat message",
			raw:  `{"type":"chat_message","roomId":"team_7","payload":{"text":"hi"}}`,
			want: FrameChatMessage,
		},
		{
			name:    "not json",
			raw:     `hello there`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			raw:     `{"type":"poke","roomId":"team_7"}`,
			wantErr: true,
		},
		{
			name:    "join without roomId",
			raw:     `{"type":"join"}`,
			wantErr: true,
		},
		{
			name:    "chat message without payload",
			raw:     `{"type":"chat_message","roomId":"team_7"}`,
			wantErr: true,
		},
		{
			name:    "chat message without roomId",
			raw:     `{"type":"chat_message","payload":{"text":"hi"}}`,
			wantErr: true,
		},
		{
			name:    "empty object",
			raw:     `{}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ParseFrame([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected an error, got frame %+v", frame)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if frame.Type != tt.want {
				t.Errorf("expected type %q, got %q", tt.want, frame.Type)
			}
		})
	}
}

func TestFrameEncodeParseRoundTrip(t *testing.T) {
	original := &Frame{Type: FrameChatMessage, RoomID: "r1", Payload: []byte(`{"n":1}`)}
	raw, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	parsed, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if parsed.Type != original.Type || parsed.RoomID != original.RoomID {
		t.Errorf("round trip changed the frame: %+v", parsed)
	}
}
