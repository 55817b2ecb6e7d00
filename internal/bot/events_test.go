package bot

import (
	"reflect"
	"testing"

	apperrors "github.com/mediafetch/backend/internal/errors"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{"command", `{"type":"command","name":"/Download","args":["https://youtu.be/x"]}`, Command{Name: "download", Args: []string{"https://youtu.be/x"}}},
		{"callback", `{"type":"callback","data":"cancel","message_id":"m1"}`, Callback{Data: "cancel", MessageID: "m1"}},
		{"text command", `{"type":"text","text":"/stats"}`, Command{Name: "stats", Args: []string{}}},
		{"bare link", `{"type":"text","text":"https://www.youtube.com/watch?v=abc please"}`, Command{Name: "download", Args: []string{"https://www.youtube.com/watch?v=abc"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeEvent_Errors(t *testing.T) {
	tests := []struct {
		raw  string
		code string
	}{
		{`not json`, apperrors.CodeInvalidRequest},
		{`{"type":"command"}`, apperrors.CodeInvalidInput},
		{`{"type":"callback"}`, apperrors.CodeMalformedCallback},
		{`{"type":"text","text":"hello there"}`, apperrors.CodeInvalidInput},
		{`{"type":"sticker"}`, apperrors.CodeInvalidInput},
	}
	for _, tt := range tests {
		if _, err := DecodeEvent([]byte(tt.raw)); !apperrors.HasCode(err, tt.code) {
			t.Errorf("DecodeEvent(%s) err = %v, want %s", tt.raw, err, tt.code)
		}
	}
}

func TestParseText(t *testing.T) {
	cmd, ok := ParseText("/download@mediafetch_bot https://vimeo.com/1")
	if !ok || cmd.Name != "download" || len(cmd.Args) != 1 {
		t.Errorf("got %+v, %v", cmd, ok)
	}
	if _, ok := ParseText("   "); ok {
		t.Error("blank text should not parse")
	}
	if _, ok := ParseText("/"); ok {
		t.Error("a lone slash should not parse")
	}
}
