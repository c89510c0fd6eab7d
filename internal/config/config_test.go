package config

import (
	"strings"
	"testing"
	"time"
)

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DURATION", "5s")
	v, err := envDuration("TEST_DURATION", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DURATION_BAD", "five seconds")
	_, err := envDuration("TEST_DURATION_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-duration value, got nil")
	}
}

func TestEnvFloatValid(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.05")
	v, err := envFloat("TEST_FLOAT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0.05 {
		t.Fatalf("expected 0.05, got %v", v)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "not-a-number")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-float value, got nil")
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("MNEMO_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid MNEMO_PORT")
	}
	if got := err.Error(); !contains(got, "MNEMO_PORT") || !contains(got, "abc") {
		t.Fatalf("error should mention MNEMO_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("MNEMO_PORT", "abc")
	t.Setenv("MNEMO_EMBEDDING_DIMENSIONS", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail")
	}
	got := err.Error()
	if !contains(got, "MNEMO_PORT") {
		t.Fatalf("error should mention MNEMO_PORT, got: %s", got)
	}
	if !contains(got, "MNEMO_EMBEDDING_DIMENSIONS") {
		t.Fatalf("error should mention MNEMO_EMBEDDING_DIMENSIONS, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.EmbeddingDimensions != 384 {
		t.Fatalf("expected default embedding dimensions 384, got %d", cfg.EmbeddingDimensions)
	}
	if cfg.DecayRate != 0.05 {
		t.Fatalf("expected default DecayRate 0.05, got %v", cfg.DecayRate)
	}
	if cfg.ReinforcementBonus != 0.3 {
		t.Fatalf("expected default ReinforcementBonus 0.3, got %v", cfg.ReinforcementBonus)
	}
	if cfg.ImportanceFloor != 1.0 {
		t.Fatalf("expected default ImportanceFloor 1.0, got %v", cfg.ImportanceFloor)
	}
	if cfg.DecayIntervalHours != 6*time.Hour {
		t.Fatalf("expected default DecayIntervalHours 6h, got %s", cfg.DecayIntervalHours)
	}
	if cfg.RetrievalK != 5 {
		t.Fatalf("expected default RetrievalK 5, got %d", cfg.RetrievalK)
	}
	if cfg.SimilarityThreshold != 0.3 {
		t.Fatalf("expected default SimilarityThreshold 0.3, got %v", cfg.SimilarityThreshold)
	}
	if cfg.SpreadingDepth != 2 {
		t.Fatalf("expected default SpreadingDepth 2, got %d", cfg.SpreadingDepth)
	}
	if cfg.SpreadingDecay != 0.5 {
		t.Fatalf("expected default SpreadingDecay 0.5, got %v", cfg.SpreadingDecay)
	}
	if cfg.ContradictionThreshold != 0.75 {
		t.Fatalf("expected default ContradictionThreshold 0.75, got %v", cfg.ContradictionThreshold)
	}
	if !cfg.UseLocalMemoryLLM {
		t.Fatal("expected UseLocalMemoryLLM to default to true")
	}
}

func TestLoad_DecayIntervalHoursOverride(t *testing.T) {
	t.Setenv("DECAY_INTERVAL_HOURS", "12")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DecayIntervalHours != 12*time.Hour {
		t.Fatalf("expected DecayIntervalHours 12h, got %s", cfg.DecayIntervalHours)
	}
}

func TestLoad_OTELEndpointParsing(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OTELEndpoint != "http://collector:4318" {
		t.Fatalf("expected OTELEndpoint to be honored, got %q", cfg.OTELEndpoint)
	}
}

func TestLoad_EmbeddingProviderSelection(t *testing.T) {
	t.Setenv("MNEMO_EMBEDDING_PROVIDER", "ollama")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.EmbeddingProvider != "ollama" {
		t.Fatalf("expected EmbeddingProvider 'ollama', got %q", cfg.EmbeddingProvider)
	}
}

func TestLoad_QdrantURLValidation(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		qdrantURL := "https://xyz.cloud.qdrant.io:6334"
		t.Setenv("MNEMO_QDRANT_URL", qdrantURL)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.QdrantURL != qdrantURL {
			t.Fatalf("expected QdrantURL %q, got %q", qdrantURL, cfg.QdrantURL)
		}
	})

	t.Run("unset", func(t *testing.T) {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.QdrantURL != "" {
			t.Fatalf("expected empty QdrantURL by default, got %q", cfg.QdrantURL)
		}
	})
}

func TestLoad_AllEnvVarsHonored(t *testing.T) {
	t.Setenv("MNEMO_PORT", "9090")
	t.Setenv("MNEMO_EMBEDDING_DIMENSIONS", "768")
	t.Setenv("OTEL_SERVICE_NAME", "mnemo-test")
	t.Setenv("MNEMO_LOG_LEVEL", "debug")
	t.Setenv("MNEMO_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("MNEMO_SKIP_EMBEDDED_MIGRATIONS", "true")
	t.Setenv("MNEMO_SHUTDOWN_HTTP_TIMEOUT", "15s")
	t.Setenv("DECAY_RATE", "0.1")
	t.Setenv("REINFORCEMENT_BONUS", "0.4")
	t.Setenv("IMPORTANCE_FLOOR", "2.0")
	t.Setenv("RETRIEVAL_K", "10")
	t.Setenv("SIMILARITY_THRESHOLD", "0.4")
	t.Setenv("SPREADING_DEPTH", "3")
	t.Setenv("SPREADING_DECAY", "0.6")
	t.Setenv("CONTRADICTION_THRESHOLD", "0.8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.EmbeddingDimensions != 768 {
		t.Fatalf("expected embedding dimensions 768, got %d", cfg.EmbeddingDimensions)
	}
	if cfg.ServiceName != "mnemo-test" {
		t.Fatalf("expected ServiceName %q, got %q", "mnemo-test", cfg.ServiceName)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected LogLevel debug, got %q", cfg.LogLevel)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("expected 2 CORS origins, got %d: %v", len(cfg.CORSAllowedOrigins), cfg.CORSAllowedOrigins)
	}
	if !cfg.SkipEmbeddedMigrations {
		t.Fatal("expected SkipEmbeddedMigrations true")
	}
	if cfg.ShutdownHTTPTimeout != 15*time.Second {
		t.Fatalf("expected ShutdownHTTPTimeout 15s, got %s", cfg.ShutdownHTTPTimeout)
	}
	if cfg.DecayRate != 0.1 {
		t.Fatalf("expected DecayRate 0.1, got %v", cfg.DecayRate)
	}
	if cfg.ReinforcementBonus != 0.4 {
		t.Fatalf("expected ReinforcementBonus 0.4, got %v", cfg.ReinforcementBonus)
	}
	if cfg.ImportanceFloor != 2.0 {
		t.Fatalf("expected ImportanceFloor 2.0, got %v", cfg.ImportanceFloor)
	}
	if cfg.RetrievalK != 10 {
		t.Fatalf("expected RetrievalK 10, got %d", cfg.RetrievalK)
	}
	if cfg.SimilarityThreshold != 0.4 {
		t.Fatalf("expected SimilarityThreshold 0.4, got %v", cfg.SimilarityThreshold)
	}
	if cfg.SpreadingDepth != 3 {
		t.Fatalf("expected SpreadingDepth 3, got %d", cfg.SpreadingDepth)
	}
	if cfg.SpreadingDecay != 0.6 {
		t.Fatalf("expected SpreadingDecay 0.6, got %v", cfg.SpreadingDecay)
	}
	if cfg.ContradictionThreshold != 0.8 {
		t.Fatalf("expected ContradictionThreshold 0.8, got %v", cfg.ContradictionThreshold)
	}
}

func TestValidate_RejectsOutOfRangeSpreadingDecay(t *testing.T) {
	cfg := Config{
		DatabaseURL:         "postgres://x",
		EmbeddingDimensions: 384,
		MaxRequestBodyBytes: 1024,
		Port:                8080,
		ReadTimeout:         time.Second,
		WriteTimeout:        time.Second,
		DecayRate:           0.05,
		ImportanceFloor:     1.0,
		DecayIntervalHours:  time.Hour,
		RetrievalK:          5,
		SpreadingDecay:      1.5,
		SimilarityThreshold: 0.3,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for SpreadingDecay out of (0,1)")
	}
}
