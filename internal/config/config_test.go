package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
kernel:
  controller_id: controller
openai:
  api_key: ${LOOM_TEST_KEY}
agents:
  - id: controller
    system_prompt: orchestrate the team
  - id: coder
    system_prompt: write code
`

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("LOOM_TEST_KEY", "sk-test")
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" || cfg.Store.Backend != "file" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Fatalf("env not expanded: %q", cfg.OpenAI.APIKey)
	}
	if cfg.Agents[0].MaxLoops != 30 || cfg.Agents[0].Session.MaxTokens == 0 {
		t.Fatalf("agent defaults not applied: %+v", cfg.Agents[0])
	}
	if cfg.Registry.Truncation == nil {
		t.Fatal("registry defaults not applied")
	}
}

func TestLoadRejectsUnknownController(t *testing.T) {
	bad := strings.Replace(validConfig, "controller_id: controller", "controller_id: ghost", 1)
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("unknown controller accepted")
	}
}

func TestLoadRejectsDuplicateAgents(t *testing.T) {
	bad := strings.Replace(validConfig, "id: coder", "id: controller", 1)
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("duplicate agent IDs accepted")
	}
}

func TestLoadRejectsIncompleteBackend(t *testing.T) {
	bad := validConfig + "store:\n  backend: postgres\n"
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("postgres backend without dsn accepted")
	}
	bad = validConfig + "store:\n  backend: carrier-pigeon\n"
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestJSONSchema(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	for _, want := range []string{"controller_id", "listen_addr", "agents"} {
		if !strings.Contains(string(schema), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}
