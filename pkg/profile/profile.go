// Package profile holds the static registry of modem transport profiles.
//
// A profile bundles everything that differs between cellular modules speaking
// the same canonical protocol: topic templates, QoS per stream, keepalive and
// reconnect tuning, the audio uplink encoding, and the framed packet magic.
// Unknown profile names are fatal at startup; runtime overrides may supersede
// any individual field.
package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownProfile is returned when a requested profile is not registered.
var ErrUnknownProfile = errors.New("profile: unknown modem profile")

// AudioMode selects how a modem ships uplink audio.
type AudioMode string

const (
	// AudioFramedPacket carries audio as 16-byte-header binary packets on
	// the audio topic.
	AudioFramedPacket AudioMode = "framed_packet"

	// AudioJSONBase64 carries base64 audio inside JSON control-style
	// payloads on the audio topic.
	AudioJSONBase64 AudioMode = "json_b64"
)

// Profile describes one modem dialect.
type Profile struct {
	Name string

	// Topic templates. {device_id} is substituted per device.
	UpControlTopic   string
	UpAudioTopic     string
	DownControlTopic string
	DownAudioTopic   string

	// QoS per stream: control is reliable, audio is best-effort.
	QoSControl byte
	QoSAudio   byte

	KeepAlive    time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	AudioMode   AudioMode
	PacketMagic byte

	SupportsToolResult        bool
	SupportsTelemetryNormalize bool
}

// Overrides supersede individual profile fields at runtime. Zero values leave
// the profile field untouched.
type Overrides struct {
	UpControlTopic   string
	UpAudioTopic     string
	DownControlTopic string
	DownAudioTopic   string
	KeepAlive        time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	AudioMode        AudioMode
	PacketMagic      byte
}

func defaults(name string) Profile {
	return Profile{
		Name:             name,
		UpControlTopic:   "device/{device_id}/up/control",
		UpAudioTopic:     "device/{device_id}/up/audio",
		DownControlTopic: "device/{device_id}/down/control",
		DownAudioTopic:   "device/{device_id}/down/audio",
		QoSControl:       1,
		QoSAudio:         0,
		KeepAlive:        60 * time.Second,
		ReconnectMin:     1 * time.Second,
		ReconnectMax:     30 * time.Second,
		AudioMode:        AudioFramedPacket,
		PacketMagic:      0xA1,
	}
}

var registry = map[string]Profile{}

func register(p Profile) {
	registry[p.Name] = p
}

func init() {
	ec600 := defaults("ec600mcnle_v1")
	ec600.SupportsToolResult = true
	ec600.SupportsTelemetryNormalize = true
	register(ec600)

	a7670c := defaults("a7670c_v1")
	a7670c.AudioMode = AudioJSONBase64
	a7670c.KeepAlive = 90 * time.Second
	register(a7670c)

	sim7600 := defaults("sim7600g_h_v1")
	sim7600.PacketMagic = 0xA2
	sim7600.ReconnectMax = 60 * time.Second
	register(sim7600)

	ec800m := defaults("ec800m_v1")
	ec800m.SupportsTelemetryNormalize = true
	register(ec800m)

	ml307r := defaults("ml307r_dl_v1")
	ml307r.AudioMode = AudioJSONBase64
	ml307r.KeepAlive = 30 * time.Second
	ml307r.SupportsToolResult = true
	register(ml307r)
}

// Names returns the registered profile names, for diagnostics.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

// Resolve looks up a profile by name and applies overrides.
func Resolve(name string, ov *Overrides) (Profile, error) {
	p, ok := registry[strings.TrimSpace(strings.ToLower(name))]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	if ov == nil {
		return p, nil
	}
	if ov.UpControlTopic != "" {
		p.UpControlTopic = ov.UpControlTopic
	}
	if ov.UpAudioTopic != "" {
		p.UpAudioTopic = ov.UpAudioTopic
	}
	if ov.DownControlTopic != "" {
		p.DownControlTopic = ov.DownControlTopic
	}
	if ov.DownAudioTopic != "" {
		p.DownAudioTopic = ov.DownAudioTopic
	}
	if ov.KeepAlive > 0 {
		p.KeepAlive = ov.KeepAlive
	}
	if ov.ReconnectMin > 0 {
		p.ReconnectMin = ov.ReconnectMin
	}
	if ov.ReconnectMax > 0 {
		p.ReconnectMax = ov.ReconnectMax
	}
	if ov.AudioMode != "" {
		p.AudioMode = ov.AudioMode
	}
	if ov.PacketMagic != 0 {
		p.PacketMagic = ov.PacketMagic
	}
	return p, nil
}

// RenderTopic substitutes the device id into a topic template.
func RenderTopic(template, deviceID string) string {
	return strings.ReplaceAll(template, "{device_id}", deviceID)
}

// SubscriptionTopic converts a topic template into an MQTT subscription
// filter by replacing the device slot with a single-level wildcard.
func SubscriptionTopic(template string) string {
	return strings.ReplaceAll(template, "{device_id}", "+")
}

// DeviceIDFromTopic extracts the device id from a concrete topic using the
// template's {device_id} position. Returns "" when the topic does not match.
func DeviceIDFromTopic(template, topic string) string {
	tparts := strings.Split(template, "/")
	parts := strings.Split(topic, "/")
	if len(tparts) != len(parts) {
		return ""
	}
	device := ""
	for i, tok := range tparts {
		switch tok {
		case "{device_id}", "+":
			device = parts[i]
		default:
			if tok != parts[i] {
				return ""
			}
		}
	}
	return device
}
