package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}

	if cfg.Model.Provider != ModelProviderOllama {
		t.Errorf("default model provider = %q, want ollama", cfg.Model.Provider)
	}
	if cfg.Model.Host != "http://localhost:11434" {
		t.Errorf("default model host = %q", cfg.Model.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("default max_iterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.CommandApproval != CommandApprovalPrompt {
		t.Errorf("default command_approval = %q, want prompt", cfg.Agent.CommandApproval)
	}
	if cfg.Retrieval.KnowledgeThreshold != 0.6 {
		t.Errorf("default knowledge_threshold = %v, want 0.6", cfg.Retrieval.KnowledgeThreshold)
	}
	if cfg.Retrieval.PlaybookThreshold != 0.5 {
		t.Errorf("default playbook_threshold = %v, want 0.5", cfg.Retrieval.PlaybookThreshold)
	}
	if cfg.Indexing.MaxFileSize != 10*1024*1024 {
		t.Errorf("default max_file_size = %d, want 10MiB", cfg.Indexing.MaxFileSize)
	}
	if cfg.ACE.MaxBullets != 50 {
		t.Errorf("default max_bullets = %d, want 50", cfg.ACE.MaxBullets)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coda.yaml")

	content := `
server:
  port: 9999
model:
  provider: ollama
  model: llama3.2
  context_window: 16384
indexing:
  chunk_window: 40
  chunk_overlap: 8
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Model.Model != "llama3.2" {
		t.Errorf("model = %q, want llama3.2", cfg.Model.Model)
	}
	if cfg.Model.ContextWindow != 16384 {
		t.Errorf("context_window = %d, want 16384", cfg.Model.ContextWindow)
	}
	if cfg.Indexing.ChunkWindow != 40 || cfg.Indexing.ChunkOverlap != 8 {
		t.Errorf("chunking = %d/%d, want 40/8", cfg.Indexing.ChunkWindow, cfg.Indexing.ChunkOverlap)
	}
	// Untouched sections still get defaults
	if cfg.Embedder.Model != "nomic-embed-text" {
		t.Errorf("embedder model = %q, want default", cfg.Embedder.Model)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("CODA_TEST_PORT", "7777")
	t.Setenv("CODA_TEST_MODEL", "codellama")

	dir := t.TempDir()
	path := filepath.Join(dir, "coda.yaml")

	content := `
server:
  port: ${CODA_TEST_PORT}
model:
  model: ${CODA_TEST_MODEL}
  host: ${CODA_TEST_MISSING:-http://localhost:11434}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("port = %d, want 7777 from env", cfg.Server.Port)
	}
	if cfg.Model.Model != "codellama" {
		t.Errorf("model = %q, want codellama from env", cfg.Model.Model)
	}
	if cfg.Model.Host != "http://localhost:11434" {
		t.Errorf("host = %q, want fallback default", cfg.Model.Host)
	}
}

func TestModelConfigEqual(t *testing.T) {
	a := &ModelConfig{Provider: ModelProviderOllama, Model: "qwen2.5-coder:7b", Host: "http://localhost:11434"}
	b := &ModelConfig{Provider: ModelProviderOllama, Model: "qwen2.5-coder:7b", Host: "http://localhost:11434"}

	if !a.Equal(b) {
		t.Error("identical configs should be equal")
	}

	// Sampling changes don't make configs unequal
	temp := 0.2
	b.Temperature = &temp
	b.ContextWindow = 32768
	if !a.Equal(b) {
		t.Error("context window and temperature must not affect equality")
	}

	b.Model = "llama3.2"
	if a.Equal(b) {
		t.Error("different models should not be equal")
	}

	if a.Equal(nil) {
		t.Error("nil should not be equal")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad provider", func(c *Config) { c.Model.Provider = "mystery" }},
		{"missing api key", func(c *Config) { c.Model.Provider = ModelProviderAnthropic; c.Model.APIKey = "" }},
		{"overlap >= window", func(c *Config) { c.Indexing.ChunkWindow = 10; c.Indexing.ChunkOverlap = 10 }},
		{"bad approval", func(c *Config) { c.Agent.CommandApproval = "sometimes" }},
		{"bad port", func(c *Config) { c.Server.Port = 99999 }},
		{"auth without jwks", func(c *Config) { c.Auth.Enabled = true }},
		{"mcp without command", func(c *Config) {
			c.Tools.MCP = []MCPServerConfig{{Name: "fs", Transport: "stdio"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("CODA_TEST_VALUE", "hello")

	data := map[string]any{
		"plain":  "text",
		"env":    "${CODA_TEST_VALUE}",
		"number": "${CODA_TEST_NUM:-42}",
		"nested": map[string]any{
			"flag": "${CODA_TEST_FLAG:-true}",
		},
		"list": []any{"${CODA_TEST_VALUE}"},
	}

	result := ExpandEnvVarsInData(data).(map[string]any)

	if result["plain"] != "text" {
		t.Errorf("plain = %v", result["plain"])
	}
	if result["env"] != "hello" {
		t.Errorf("env = %v, want hello", result["env"])
	}
	if result["number"] != 42 {
		t.Errorf("number = %v (%T), want int 42", result["number"], result["number"])
	}
	nested := result["nested"].(map[string]any)
	if nested["flag"] != true {
		t.Errorf("nested flag = %v, want true", nested["flag"])
	}
	list := result["list"].([]any)
	if list[0] != "hello" {
		t.Errorf("list[0] = %v, want hello", list[0])
	}
}

func TestIndexingAllIgnorePatterns(t *testing.T) {
	cfg := IndexingConfig{IgnorePatterns: []string{"custom/**"}}
	patterns := cfg.AllIgnorePatterns()

	found := map[string]bool{}
	for _, p := range patterns {
		found[p] = true
	}
	if !found[".git/**"] {
		t.Error("built-in .git pattern missing")
	}
	if !found["custom/**"] {
		t.Error("configured pattern missing")
	}
}
