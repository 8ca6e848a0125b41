package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/finquill/finquill/internal/pipeline"
	"github.com/finquill/finquill/internal/ratelimit"
	"github.com/finquill/finquill/internal/services"
)

type llmConfig interface {
	provider(logger *slog.Logger) (pipeline.Provider, error)
	modelName() string
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string              `yaml:"provider"`
	Model      string              `yaml:"model"`
	Parameters services.Parameters `yaml:"parameters"`
}

func (b BaseLLMConfig) modelName() string {
	return b.Model
}

type config struct {
	Port    string `yaml:"port"`
	DataDir string `yaml:"dataDir"`

	RedisAddr string `yaml:"redisAddr"`

	LLM    llmConfig                   `yaml:"llm"`
	Limits map[string]ratelimit.Budget `yaml:"limits"`

	IngestTimeLimit    time.Duration `yaml:"ingestTimeLimit"`
	ChunkSize          int           `yaml:"chunkSize"`
	ReportTemplatePath string        `yaml:"reportTemplatePath"`
	AllowTitleRewrite  bool          `yaml:"allowTitleRewrite"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port               string                      `yaml:"port"`
		DataDir            string                      `yaml:"dataDir"`
		RedisAddr          string                      `yaml:"redisAddr"`
		LLM                map[string]any              `yaml:"llm"`
		Limits             map[string]ratelimit.Budget `yaml:"limits"`
		IngestTimeLimit    string                      `yaml:"ingestTimeLimit"`
		ChunkSize          int                         `yaml:"chunkSize"`
		ReportTemplatePath string                      `yaml:"reportTemplatePath"`
		AllowTitleRewrite  bool                        `yaml:"allowTitleRewrite"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.DataDir = rawConfig.DataDir
	c.RedisAddr = rawConfig.RedisAddr
	c.Limits = rawConfig.Limits
	if rawConfig.IngestTimeLimit != "" {
		d, err := time.ParseDuration(rawConfig.IngestTimeLimit)
		if err != nil {
			return fmt.Errorf("invalid ingestTimeLimit: %w", err)
		}
		c.IngestTimeLimit = d
	}
	c.ChunkSize = rawConfig.ChunkSize
	c.ReportTemplatePath = rawConfig.ReportTemplatePath
	c.AllowTitleRewrite = rawConfig.AllowTitleRewrite

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}
	c.LLM = llm

	c.applyDefaults()
	return nil
}

func (c *config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.IngestTimeLimit == 0 {
		c.IngestTimeLimit = 10 * time.Minute
	}
}

func (o openAIConfig) provider(logger *slog.Logger) (pipeline.Provider, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.Parameters, logger), nil
}

func (o ollamaConfig) provider(*slog.Logger) (pipeline.Provider, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model), nil
}

func (a anthropicConfig) provider(*slog.Logger) (pipeline.Provider, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, a.Parameters), nil
}

func loadReportTemplate(path string) (pipeline.ReportTemplate, error) {
	if path == "" {
		return pipeline.DefaultReportTemplate(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return pipeline.ReportTemplate{}, fmt.Errorf("error opening report template: %w", err)
	}
	defer f.Close()

	var template pipeline.ReportTemplate
	if err := yaml.NewDecoder(f).Decode(&template); err != nil {
		return pipeline.ReportTemplate{}, fmt.Errorf("error decoding report template: %w", err)
	}
	return template, nil
}
