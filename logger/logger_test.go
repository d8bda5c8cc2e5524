package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	if err := Logger().Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "report")
	log := Logger()
	if err := log.Configure("debug", "text", "stderr", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if log.GetLevel().String() != "info" {
		t.Fatalf("report level should map to info, got %s", log.GetLevel())
	}
	if !ReportEnabled("info") {
		t.Fatalf("LOG_LEVEL=report should enable the runtime report")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "tickflow.log")
	log := Logger()
	if err := log.Configure("info", "json", path, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("test").Info("hello")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"message":"hello"`)) {
		t.Fatalf("unexpected log output: %s", data)
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestJSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.WithComponent("router").Info("routed")

	var out map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"timestamp", "level", "message", "component"} {
		if _, ok := out[key]; !ok {
			t.Fatalf("missing %q in %v", key, out)
		}
	}
}

func TestStageCounters(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	before := pipelineFields()
	log.WithComponent("binance_collector").Warn("reconnecting")
	log.WithComponent("publisher").Error("dropped")
	log.WithComponent("unrelated").Warn("ignored")
	after := pipelineFields()

	if after["warns_ingest"].(int64)-before["warns_ingest"].(int64) != 1 {
		t.Fatalf("ingest warn not counted")
	}
	if after["errors_publish"].(int64)-before["errors_publish"].(int64) != 1 {
		t.Fatalf("publish error not counted")
	}
}

func TestCountersAndChannels(t *testing.T) {
	before := pipelineFields()
	IncrementFramesRead(10)
	IncrementPublished("binance-other", 20)
	IncrementCandles("log")
	after := pipelineFields()

	if after["frames_read"].(int64)-before["frames_read"].(int64) != 1 {
		t.Fatalf("frames_read not incremented")
	}
	ch := after["channels"].(map[string]map[string]int64)
	if ch["kafka_binance-other"]["bytes"] < 20 {
		t.Fatalf("channel bytes not recorded: %v", ch)
	}
}
