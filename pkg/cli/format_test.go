package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		ms   int64
		want string
	}{
		{250, "250ms"},
		{1500, "1.5s"},
		{65_500, "1m5.5s"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.ms); got != tc.want {
			t.Errorf("FormatDuration(%d) = %q; want %q", tc.ms, got, tc.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		bytes int64
		want  string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{3 * 1024 * 1024, "3.00 MB"},
	}
	for _, tc := range cases {
		if got := FormatBytes(tc.bytes); got != tc.want {
			t.Errorf("FormatBytes(%d) = %q; want %q", tc.bytes, got, tc.want)
		}
	}
}

func TestPrintFormats(t *testing.T) {
	v := map[string]any{"healthy": true, "sessions": 2}

	var buf bytes.Buffer
	if err := Print(&buf, v, FormatJSON); err != nil {
		t.Fatalf("Print json: %v", err)
	}
	if !strings.Contains(buf.String(), "\"healthy\": true") {
		t.Errorf("json output = %q", buf.String())
	}

	buf.Reset()
	if err := Print(&buf, v, ParseFormat("anything")); err != nil {
		t.Fatalf("Print yaml: %v", err)
	}
	if !strings.Contains(buf.String(), "healthy: true") {
		t.Errorf("yaml output = %q", buf.String())
	}
}

func TestRenderSections(t *testing.T) {
	s := NewStyles(DefaultTheme)
	out := s.RenderSections([]Section{
		{Title: "Runtime", Rows: []KV{{Key: "adapter", Value: "mock"}, {Key: "sessions", Value: "2"}}},
	})
	if !strings.Contains(out, "adapter") || !strings.Contains(out, "mock") {
		t.Errorf("rendered output missing rows: %q", out)
	}
}
