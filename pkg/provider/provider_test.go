package provider

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

func TestNewOpenAI_Defaults(t *testing.T) {
	p := NewOpenAI(OpenAIOptions{APIKey: "sk-test"})
	if p.chatModel != DefaultChatModel {
		t.Errorf("chatModel = %q", p.chatModel)
	}
	if p.transcribeModel != DefaultTranscribeModel {
		t.Errorf("transcribeModel = %q", p.transcribeModel)
	}
	if p.embedDim != defaultEmbedDim {
		t.Errorf("embedDim = %d", p.embedDim)
	}
	if p.maxRetries != 2 {
		t.Errorf("maxRetries = %d", p.maxRetries)
	}
}

func TestDataURI(t *testing.T) {
	uri := dataURI([]byte{0xff, 0xd8}, "image/jpeg")
	if !strings.HasPrefix(uri, "data:image/jpeg;base64,") {
		t.Errorf("uri = %q", uri)
	}
}

func TestFileNameForMIME(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"audio/mpeg", "audio.mp3"},
		{"audio/mp3", "audio.mp3"},
		{"audio/ogg", "audio.ogg"},
		{"audio/wav", "audio.wav"},
		{"", "audio.wav"},
	}
	for _, tc := range tests {
		if got := fileNameForMIME(tc.mime); got != tc.want {
			t.Errorf("fileNameForMIME(%q) = %q; want %q", tc.mime, got, tc.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate_limited", &openai.Error{StatusCode: 429}, true},
		{"server_error", &openai.Error{StatusCode: 503}, true},
		{"bad_request", &openai.Error{StatusCode: 400}, false},
		{"unauthorized", &openai.Error{StatusCode: 401}, false},
		{"wrapped", fmt.Errorf("call: %w", &openai.Error{StatusCode: 500}), true},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.want {
				t.Errorf("isRetryable = %v; want %v", got, tc.want)
			}
		})
	}
}

func TestSchemaMap(t *testing.T) {
	if m := schemaMap(nil); m["type"] != "object" {
		t.Errorf("nil schema = %v", m)
	}
	if m := schemaMap(map[string]any{"type": "string"}); m["type"] != "string" {
		t.Errorf("passthrough = %v", m)
	}
	// Arbitrary structs round-trip through JSON.
	type schema struct {
		Type string `json:"type"`
	}
	if m := schemaMap(schema{Type: "object"}); m["type"] != "object" {
		t.Errorf("struct schema = %v", m)
	}
}
