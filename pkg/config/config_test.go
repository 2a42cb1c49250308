package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opencane.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/opencane
adapter:
  kind: generic_mqtt
  mqtt:
    addr: tcp://broker:1883
    profile: a7670c_v1
    keepalive_s: 45
runtime:
  tts_mode: device_text
  queue_policy: drop_oldest
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.DataDir != "/var/lib/opencane" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Adapter.MQTT.Profile != "a7670c_v1" {
		t.Errorf("Profile = %q", cfg.Adapter.MQTT.Profile)
	}
	// Untouched sections keep their defaults.
	if cfg.HTTP.Addr != "127.0.0.1:18792" {
		t.Errorf("HTTP.Addr = %q; want default", cfg.HTTP.Addr)
	}
	ov := cfg.ProfileOverrides()
	if ov == nil || ov.KeepAlive.Seconds() != 45 {
		t.Errorf("overrides = %+v; want keepalive 45s", ov)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "data_dir: ./data\nbogus_key: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
	// Empty path means run on defaults.
	if _, err := Load(""); err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Adapter.Kind = "carrier_pigeon"
	cfg.Runtime.TTSMode = "interpretive_dance"
	cfg.Runtime.QueuePolicy = "explode"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	msg := err.Error()
	for _, want := range []string{"adapter.kind", "runtime.tts_mode", "runtime.queue_policy"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
}

func TestValidateUnknownProfile(t *testing.T) {
	cfg := Default()
	cfg.Adapter.Kind = AdapterGenericMQTT
	cfg.Adapter.MQTT.Addr = "tcp://broker:1883"
	cfg.Adapter.MQTT.Profile = "modem_from_the_future"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "modem_from_the_future") {
		t.Fatalf("unknown profile err = %v", err)
	}
	// The message lists what would have worked.
	if !strings.Contains(err.Error(), "ec600mcnle_v1") {
		t.Errorf("error %q does not list known profiles", err.Error())
	}
}

func TestValidateServerAudioNeedsKey(t *testing.T) {
	cfg := Default()
	cfg.Runtime.TTSMode = "server_audio"
	if err := cfg.Validate(); err == nil {
		t.Fatal("server_audio without api key accepted")
	}
	cfg.Providers.OpenAI.APIKey = "sk-test"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
