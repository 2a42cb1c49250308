package mqtt

import "testing"

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"device/dev-1/up/control", "device/dev-1/up/control", true},
		{"device/+/up/control", "device/dev-1/up/control", true},
		{"device/+/up/control", "device/dev-1/up/audio", false},
		{"device/+/up/control", "device/dev-1/down/control", false},
		{"device/#", "device/dev-1/up/control", true},
		{"device/#", "device", true},
		{"device/+/up/#", "device/dev-1/up/audio", true},
		{"device/dev-1/up", "device/dev-1/up/control", false},
		{"device/dev-1/up/control", "device/dev-1/up", false},
		{"+", "device", true},
		{"+", "device/dev-1", false},
	}
	for _, tc := range tests {
		if got := MatchTopic(tc.filter, tc.topic); got != tc.want {
			t.Errorf("MatchTopic(%q, %q) = %v; want %v", tc.filter, tc.topic, got, tc.want)
		}
	}
}

func TestServeMux_Dispatch(t *testing.T) {
	sm := NewServeMux()
	var control, audio int
	sm.Handle("device/+/up/control", func(string, []byte) { control++ })
	sm.Handle("device/+/up/audio", func(string, []byte) { audio++ })

	if !sm.Dispatch("device/d1/up/control", nil) {
		t.Fatal("control topic must match")
	}
	if !sm.Dispatch("device/d1/up/audio", nil) {
		t.Fatal("audio topic must match")
	}
	if sm.Dispatch("device/d1/down/control", nil) {
		t.Error("down topic must not match")
	}
	if control != 1 || audio != 1 {
		t.Errorf("control = %d, audio = %d; want 1, 1", control, audio)
	}
}
