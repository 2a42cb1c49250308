// Package config loads and validates the service configuration from YAML.
// Defaults cover everything except credentials, so a minimal file names the
// adapter and the OpenAI key and nothing else.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/opencane/opencane/pkg/ingest"
	"github.com/opencane/opencane/pkg/profile"
	"github.com/opencane/opencane/pkg/provider"
)

// Adapter kinds the serve command can construct.
const (
	AdapterMock        = "mock"
	AdapterWebSocket   = "websocket"
	AdapterGenericMQTT = "generic_mqtt"
	AdapterEC600       = "ec600_mqtt"
)

// Config is the full service configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Logging   Logging   `yaml:"logging"`
	HTTP      HTTP      `yaml:"http"`
	Adapter   Adapter   `yaml:"adapter"`
	Runtime   Runtime   `yaml:"runtime"`
	Safety    Safety    `yaml:"safety"`
	Vision    Vision    `yaml:"vision"`
	Tasks     Tasks     `yaml:"tasks"`
	Providers Providers `yaml:"providers"`
	Retention Retention `yaml:"retention"`
}

type Logging struct {
	Level string `yaml:"level"` // debug|info|warn|error
}

type HTTP struct {
	Addr         string `yaml:"addr"`
	AuthToken    string `yaml:"auth_token"`
	NonceWindowS int    `yaml:"nonce_window_s"` // 0 disables replay protection
}

type Adapter struct {
	Kind      string          `yaml:"kind"` // mock|websocket|generic_mqtt|ec600_mqtt
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

type WebSocketConfig struct {
	Addr string `yaml:"addr"` // listen address for the device endpoint
	Path string `yaml:"path"` // mount path, default /device
}

type MQTTConfig struct {
	Addr     string `yaml:"addr"` // broker url, e.g. tcp://broker:1883
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Profile  string `yaml:"profile"` // modem profile name

	// Profile overrides. Zero values keep the profile's field.
	UpControlTopic   string `yaml:"up_control_topic"`
	UpAudioTopic     string `yaml:"up_audio_topic"`
	DownControlTopic string `yaml:"down_control_topic"`
	DownAudioTopic   string `yaml:"down_audio_topic"`
	KeepAliveS       int    `yaml:"keepalive_s"`
	AudioMode        string `yaml:"audio_mode"` // framed_packet|json_b64
	PacketMagic      int    `yaml:"packet_magic"`
}

type Runtime struct {
	RequireAuth        bool   `yaml:"require_auth"`
	TTSMode            string `yaml:"tts_mode"` // device_text|server_audio
	TTSChunkChars      int    `yaml:"tts_chunk_chars"`
	TTSAudioChunkBytes int    `yaml:"tts_audio_chunk_bytes"`
	QueueSize          int    `yaml:"queue_size"`
	QueueWorkers       int    `yaml:"queue_workers"`
	QueuePolicy        string `yaml:"queue_policy"` // reject|wait|drop_oldest
	IdleTimeoutS       int    `yaml:"idle_timeout_s"`
	WatchdogIntervalS  int    `yaml:"watchdog_interval_s"`
	PartialMaxChars    int    `yaml:"partial_max_chars"`
}

type Safety struct {
	Disabled                       bool    `yaml:"disabled"`
	LowConfidenceThreshold         float64 `yaml:"low_confidence_threshold"`
	MaxOutputChars                 int     `yaml:"max_output_chars"`
	DisableCautionPrefix           bool    `yaml:"disable_caution_prefix"`
	DisableSemanticGuard           bool    `yaml:"disable_semantic_guard"`
	DirectionalConfidenceThreshold float64 `yaml:"directional_confidence_threshold"`
}

type Vision struct {
	Enabled        bool   `yaml:"enabled"`
	DedupThreshold int    `yaml:"dedup_threshold"` // Hamming distance, default 8
	HashWindow     int    `yaml:"hash_window"`
	Assets         Assets `yaml:"assets"`
}

type Assets struct {
	Backend  string `yaml:"backend"` // fs|s3
	Root     string `yaml:"root"`    // fs: directory, default {data_dir}/lifelog
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	MaxFiles int    `yaml:"max_files"`
}

type Tasks struct {
	Enabled         bool                       `yaml:"enabled"`
	MaxConcurrent   int                        `yaml:"max_concurrent"`
	DefaultTimeoutS int                        `yaml:"default_timeout_s"`
	MCPServers      []provider.MCPServerConfig `yaml:"mcp_servers"`
}

type Providers struct {
	OpenAI OpenAI `yaml:"openai"`
}

type OpenAI struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	ChatModel       string `yaml:"chat_model"`
	VisionModel     string `yaml:"vision_model"`
	EmbedModel      string `yaml:"embed_model"`
	TranscribeModel string `yaml:"transcribe_model"`
	SpeechModel     string `yaml:"speech_model"`
	SpeechVoice     string `yaml:"speech_voice"`
	EmbedDim        int    `yaml:"embed_dim"`
}

type Retention struct {
	EventAgeH        int `yaml:"event_age_h"`
	OperationAgeH    int `yaml:"operation_age_h"`
	ImagesPerSession int `yaml:"images_per_session"`
	IntervalM        int `yaml:"interval_m"`
}

// Default returns the configuration a missing file implies: mock adapter,
// loopback HTTP, vision and tasks off.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Logging: Logging{Level: "info"},
		HTTP:    HTTP{Addr: "127.0.0.1:18792"},
		Adapter: Adapter{
			Kind:      AdapterMock,
			WebSocket: WebSocketConfig{Addr: "0.0.0.0:18790", Path: "/device"},
			MQTT:      MQTTConfig{Profile: "ec600mcnle_v1"},
		},
		Runtime: Runtime{
			TTSMode:           "device_text",
			QueuePolicy:       "reject",
			IdleTimeoutS:      1800,
			WatchdogIntervalS: 30,
		},
		Vision: Vision{Assets: Assets{Backend: "fs"}},
		Tasks:  Tasks{MaxConcurrent: 4, DefaultTimeoutS: 120},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults untouched; a present file must parse strictly.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config: %s not found", path)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every section and returns all problems joined, so one run
// surfaces the complete list.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.DataDir == "" {
		fail("data_dir is required")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		fail("logging.level %q is not debug|info|warn|error", c.Logging.Level)
	}

	switch c.Adapter.Kind {
	case AdapterMock:
	case AdapterWebSocket:
		if c.Adapter.WebSocket.Addr == "" {
			fail("adapter.websocket.addr is required for the websocket adapter")
		}
	case AdapterGenericMQTT, AdapterEC600:
		if c.Adapter.MQTT.Addr == "" {
			fail("adapter.mqtt.addr is required for the %s adapter", c.Adapter.Kind)
		}
		name := c.Adapter.MQTT.Profile
		if c.Adapter.Kind == AdapterEC600 {
			name = "ec600mcnle_v1"
		}
		if _, err := profile.Resolve(name, nil); err != nil {
			known := profile.Names()
			sort.Strings(known)
			fail("adapter.mqtt.profile %q is unknown (known: %s)", name, strings.Join(known, ", "))
		}
		switch c.Adapter.MQTT.AudioMode {
		case "", string(profile.AudioFramedPacket), string(profile.AudioJSONBase64):
		default:
			fail("adapter.mqtt.audio_mode %q is not framed_packet|json_b64", c.Adapter.MQTT.AudioMode)
		}
		if c.Adapter.MQTT.PacketMagic < 0 || c.Adapter.MQTT.PacketMagic > 255 {
			fail("adapter.mqtt.packet_magic %d is out of byte range", c.Adapter.MQTT.PacketMagic)
		}
	default:
		fail("adapter.kind %q is not mock|websocket|generic_mqtt|ec600_mqtt", c.Adapter.Kind)
	}

	switch c.Runtime.TTSMode {
	case "", "device_text", "server_audio":
	default:
		fail("runtime.tts_mode %q is not device_text|server_audio", c.Runtime.TTSMode)
	}
	if c.Runtime.TTSMode == "server_audio" && c.Providers.OpenAI.APIKey == "" {
		fail("runtime.tts_mode server_audio needs providers.openai.api_key")
	}
	switch ingest.Policy(c.Runtime.QueuePolicy) {
	case "", ingest.PolicyReject, ingest.PolicyWait, ingest.PolicyDropOldest:
	default:
		fail("runtime.queue_policy %q is not reject|wait|drop_oldest", c.Runtime.QueuePolicy)
	}
	if c.Runtime.IdleTimeoutS < 0 {
		fail("runtime.idle_timeout_s must not be negative")
	}

	if c.Vision.Enabled {
		if c.Providers.OpenAI.APIKey == "" {
			fail("vision.enabled needs providers.openai.api_key")
		}
		switch c.Vision.Assets.Backend {
		case "", "fs":
		case "s3":
			if c.Vision.Assets.Bucket == "" {
				fail("vision.assets.bucket is required for the s3 backend")
			}
		default:
			fail("vision.assets.backend %q is not fs|s3", c.Vision.Assets.Backend)
		}
	}

	if c.Tasks.Enabled {
		for i, srv := range c.Tasks.MCPServers {
			if srv.Name == "" {
				fail("tasks.mcp_servers[%d] needs a name", i)
			}
			if srv.Command == "" && srv.URL == "" {
				fail("tasks.mcp_servers[%d] (%s) needs a command or a url", i, srv.Name)
			}
		}
	}

	if c.Retention.EventAgeH < 0 || c.Retention.OperationAgeH < 0 || c.Retention.ImagesPerSession < 0 {
		fail("retention bounds must not be negative")
	}

	return errors.Join(errs...)
}

// ProfileOverrides maps the MQTT section's override fields onto the profile
// package's override struct. Nil when nothing is overridden.
func (c *Config) ProfileOverrides() *profile.Overrides {
	m := c.Adapter.MQTT
	ov := profile.Overrides{
		UpControlTopic:   m.UpControlTopic,
		UpAudioTopic:     m.UpAudioTopic,
		DownControlTopic: m.DownControlTopic,
		DownAudioTopic:   m.DownAudioTopic,
		AudioMode:        profile.AudioMode(m.AudioMode),
		PacketMagic:      byte(m.PacketMagic),
	}
	if m.KeepAliveS > 0 {
		ov.KeepAlive = time.Duration(m.KeepAliveS) * time.Second
	}
	if ov == (profile.Overrides{}) {
		return nil
	}
	return &ov
}
