package profile

import (
	"errors"
	"testing"
	"time"
)

func TestResolve_Builtins(t *testing.T) {
	tests := []struct {
		name      string
		audioMode AudioMode
		magic     byte
		normalize bool
	}{
		{"ec600mcnle_v1", AudioFramedPacket, 0xA1, true},
		{"a7670c_v1", AudioJSONBase64, 0xA1, false},
		{"sim7600g_h_v1", AudioFramedPacket, 0xA2, false},
		{"ec800m_v1", AudioFramedPacket, 0xA1, true},
		{"ml307r_dl_v1", AudioJSONBase64, 0xA1, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Resolve(tc.name, nil)
			if err != nil {
				t.Fatalf("Resolve error: %v", err)
			}
			if p.AudioMode != tc.audioMode {
				t.Errorf("AudioMode = %q; want %q", p.AudioMode, tc.audioMode)
			}
			if p.PacketMagic != tc.magic {
				t.Errorf("PacketMagic = 0x%02X; want 0x%02X", p.PacketMagic, tc.magic)
			}
			if p.QoSControl < 1 {
				t.Errorf("QoSControl = %d; control must be QoS>=1", p.QoSControl)
			}
			if p.QoSAudio != 0 {
				t.Errorf("QoSAudio = %d; audio must be QoS0", p.QoSAudio)
			}
			if p.SupportsTelemetryNormalize != tc.normalize {
				t.Errorf("SupportsTelemetryNormalize = %v; want %v", p.SupportsTelemetryNormalize, tc.normalize)
			}
		})
	}
}

func TestResolve_Unknown(t *testing.T) {
	_, err := Resolve("bogus_modem_v9", nil)
	if !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("err = %v; want ErrUnknownProfile", err)
	}
}

func TestResolve_Overrides(t *testing.T) {
	p, err := Resolve("ec600mcnle_v1", &Overrides{
		UpAudioTopic: "fleet/{device_id}/audio",
		KeepAlive:    15 * time.Second,
		PacketMagic:  0xC3,
		AudioMode:    AudioJSONBase64,
	})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if p.UpAudioTopic != "fleet/{device_id}/audio" {
		t.Errorf("UpAudioTopic = %q", p.UpAudioTopic)
	}
	if p.KeepAlive != 15*time.Second || p.PacketMagic != 0xC3 || p.AudioMode != AudioJSONBase64 {
		t.Errorf("overrides not applied: %+v", p)
	}
	// Untouched field keeps the profile default.
	if p.UpControlTopic != "device/{device_id}/up/control" {
		t.Errorf("UpControlTopic = %q; want default", p.UpControlTopic)
	}
}

func TestTopicHelpers(t *testing.T) {
	tpl := "device/{device_id}/up/control"
	if got := RenderTopic(tpl, "dev-7"); got != "device/dev-7/up/control" {
		t.Errorf("RenderTopic = %q", got)
	}
	if got := SubscriptionTopic(tpl); got != "device/+/up/control" {
		t.Errorf("SubscriptionTopic = %q", got)
	}

	tests := []struct {
		topic string
		want  string
	}{
		{"device/dev-7/up/control", "dev-7"},
		{"device/dev-7/up/audio", ""},
		{"other/dev-7/up/control", ""},
		{"device/dev-7/up/control/extra", ""},
	}
	for _, tc := range tests {
		if got := DeviceIDFromTopic(tpl, tc.topic); got != tc.want {
			t.Errorf("DeviceIDFromTopic(%q) = %q; want %q", tc.topic, got, tc.want)
		}
	}
}
