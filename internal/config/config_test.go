package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toricodesthings/quote-analysis-service/internal/quality"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, int64(15), c.MaxConcurrentRequests)
	assert.Equal(t, int64(1<<20), c.MaxJSONBodyBytes)
	assert.Equal(t, 60*time.Second, c.RunTimeout)
	assert.Equal(t, "llama-3.3-70b-versatile", c.Inference.Model)
	assert.Equal(t, "llama-3.1-8b-instant", c.Inference.FallbackModel)
	assert.Equal(t, 25*time.Second, c.Inference.Timeout)
	assert.Equal(t, 3, c.Inference.MaxAttempts)
	assert.Equal(t, 5, c.Inference.BreakerThreshold)
	assert.InDelta(t, 0.30, c.Restructure.MinRatio, 1e-9)
	assert.Equal(t, 1500, c.Extraction.MaxTokens)
	assert.Zero(t, c.Analysis.MaxTokens)
	assert.Equal(t, 5*time.Second, c.PreviewTimeout)
	assert.Equal(t, quality.DefaultRules(), c.Router)
	assert.Empty(t, c.AllowedOrigins)
}

func TestLoad_RedactPatterns(t *testing.T) {
	t.Setenv("LOG_REDACT_PATTERNS", `tenant-[0-9]+, acct_[a-z]+`)
	c, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-[0-9]+", "acct_[a-z]+"}, c.Log.Redact)

	t.Setenv("LOG_REDACT_PATTERNS", "(")
	_, err = Load(viper.New())
	assert.ErrorContains(t, err, "LOG_REDACT_PATTERNS")
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("GROQ_API_KEY", "gsk_test")
	t.Setenv("INFERENCE_TIMEOUT", "5s")
	t.Setenv("INFERENCE_MODEL", "custom-model")
	t.Setenv("ROUTER_LONG_LINE_AVG", "120")
	t.Setenv("ROUTER_SNIPPET_MIN_LINES", "2")
	t.Setenv("RESTRUCTURE_MIN_RATIO", "0.5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	c, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "9090", c.Port)
	assert.Equal(t, "gsk_test", c.Inference.APIKey)
	assert.Equal(t, 5*time.Second, c.Inference.Timeout)
	assert.Equal(t, "custom-model", c.Inference.Model)
	assert.InDelta(t, 120.0, c.Router.LongLineAvg, 1e-9)
	assert.Equal(t, 2, c.Router.SnippetMinLines)
	assert.InDelta(t, 0.5, c.Restructure.MinRatio, 1e-9)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.AllowedOrigins)
}

func TestLoad_ConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(`
port: "7000"
run_timeout: 90s
inference:
  model: file-model
  max_attempts: 5
router:
  header_keywords: ["prix unitaire", "total ht"]
`)), 0o600))
	t.Setenv("INFERENCE_MAX_ATTEMPTS", "2")

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "7000", c.Port)
	assert.Equal(t, 90*time.Second, c.RunTimeout)
	assert.Equal(t, "file-model", c.Inference.Model)
	assert.Equal(t, 2, c.Inference.MaxAttempts)
	assert.Equal(t, []string{"prix unitaire", "total ht"}, c.Router.HeaderKeywords)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	for env, val := range map[string]string{
		"MAX_CONCURRENT_REQUESTS": "0",
		"RESTRUCTURE_MIN_RATIO":   "1.5",
		"INFERENCE_MAX_ATTEMPTS":  "0",
		"HEALTH_DEGRADE_RATIO":    "0",
	} {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, val)
			_, err := Load(viper.New())
			require.Error(t, err)
			assert.Contains(t, err.Error(), env)
		})
	}
}

func TestValidate(t *testing.T) {
	c, err := Load(viper.New())
	require.NoError(t, err)

	assert.ErrorContains(t, c.Validate(), "GROQ_API_KEY")

	c.Inference.APIKey = "gsk_x"
	assert.NoError(t, c.Validate())

	c.InternalSharedSecret = "short"
	assert.ErrorContains(t, c.Validate(), "INTERNAL_SHARED_SECRET")

	c.InternalSharedSecret = strings.Repeat("s", 32)
	assert.NoError(t, c.Validate())
}

func TestInferenceConfig(t *testing.T) {
	t.Setenv("INFERENCE_BASE_URL", "http://localhost:1234/v1/")
	c, err := Load(viper.New())
	require.NoError(t, err)

	ic := c.InferenceConfig()
	assert.Equal(t, "http://localhost:1234/v1", ic.BaseURL)
	assert.Equal(t, c.Inference.MaxConcurrent, ic.MaxConcurrent)
	assert.Equal(t, 30*time.Second, ic.BreakerReset)
}
