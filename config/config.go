package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendWeaviate = "weaviate"
	BackendSQLite   = "sqlite"

	envPrefix = "CLAIMASSIST"
)

type Config struct {
	LLM        LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Embeddings EmbeddingConfig `mapstructure:"embeddings" yaml:"embeddings"`
	Retrieval  RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Agent      AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Search     SearchConfig    `mapstructure:"search" yaml:"search"`
	Storage    StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Server     ServerConfig    `mapstructure:"server" yaml:"server"`
	Log        LogConfig       `mapstructure:"log" yaml:"log"`

	OllamaHost    string `mapstructure:"ollama_host" yaml:"ollama_host"`
	OpenAIAPIKey  string `mapstructure:"openai_api_key" yaml:"openai_api_key"`
	OpenAIBaseURL string `mapstructure:"openai_base_url" yaml:"openai_base_url"`
}

type LLMConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
}

type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider" yaml:"provider"`
	Model     string `mapstructure:"model" yaml:"model"`
	Dimension int    `mapstructure:"dimension" yaml:"dimension"`
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"`
}

type RetrievalConfig struct {
	DefaultStrategy      string        `mapstructure:"default_strategy" yaml:"default_strategy"`
	LocalRerankerEnabled bool          `mapstructure:"local_reranker_enabled" yaml:"local_reranker_enabled"`
	CohereAPIKey         string        `mapstructure:"cohere_api_key" yaml:"cohere_api_key"`
	CohereBaseURL        string        `mapstructure:"cohere_base_url" yaml:"cohere_base_url"`
	CohereModel          string        `mapstructure:"cohere_model" yaml:"cohere_model"`
	RerankTimeout        time.Duration `mapstructure:"rerank_timeout" yaml:"rerank_timeout"`
	ChunkSize            int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap         int           `mapstructure:"chunk_overlap" yaml:"chunk_overlap"`
}

type AgentConfig struct {
	MaxIterations        int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	MinDescriptionLength int           `mapstructure:"min_description_length" yaml:"min_description_length"`
	LLMTimeout           time.Duration `mapstructure:"llm_timeout" yaml:"llm_timeout"`
}

type SearchConfig struct {
	TavilyAPIKey  string        `mapstructure:"tavily_api_key" yaml:"tavily_api_key"`
	TavilyBaseURL string        `mapstructure:"tavily_base_url" yaml:"tavily_base_url"`
	MaxResults    int           `mapstructure:"max_results" yaml:"max_results"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int           `mapstructure:"burst" yaml:"burst"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

type StorageConfig struct {
	VectorBackend   string `mapstructure:"vector_backend" yaml:"vector_backend"`
	RegistryBackend string `mapstructure:"registry_backend" yaml:"registry_backend"`
	PostgresDSN     string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	WeaviateURL     string `mapstructure:"weaviate_url" yaml:"weaviate_url"`
	SQLitePath      string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	Neo4jURI        string `mapstructure:"neo4j_uri" yaml:"neo4j_uri"`
	Neo4jUser       string `mapstructure:"neo4j_user" yaml:"neo4j_user"`
	Neo4jPass       string `mapstructure:"neo4j_pass" yaml:"neo4j_pass"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	MaxUploadBytes int64    `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load resolves configuration from defaults, an optional YAML file and the
// environment. Environment variables use the CLAIMASSIST_ prefix with dots
// replaced by underscores; the legacy unprefixed names are honoured as well.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.model", "gpt-4o-mini")

	v.SetDefault("embeddings.provider", ProviderOpenAI)
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.dimension", 1536)
	v.SetDefault("embeddings.batch_size", 64)

	v.SetDefault("retrieval.default_strategy", "basic")
	v.SetDefault("retrieval.local_reranker_enabled", true)
	v.SetDefault("retrieval.cohere_base_url", "https://api.cohere.com")
	v.SetDefault("retrieval.cohere_model", "rerank-english-v3.0")
	v.SetDefault("retrieval.rerank_timeout", 15*time.Second)
	v.SetDefault("retrieval.chunk_size", 1000)
	v.SetDefault("retrieval.chunk_overlap", 200)

	v.SetDefault("agent.max_iterations", 6)
	v.SetDefault("agent.min_description_length", 50)
	v.SetDefault("agent.llm_timeout", 60*time.Second)

	v.SetDefault("search.tavily_base_url", "https://api.tavily.com")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.timeout", 10*time.Second)
	v.SetDefault("search.rate_per_second", 2.0)
	v.SetDefault("search.burst", 4)
	v.SetDefault("search.cache_ttl", 15*time.Minute)

	v.SetDefault("storage.vector_backend", BackendMemory)
	v.SetDefault("storage.registry_backend", BackendMemory)
	v.SetDefault("storage.postgres_dsn", "postgres://localhost:5432/claim-assist?sslmode=disable")
	v.SetDefault("storage.sqlite_path", "claimassist.db")
	v.SetDefault("storage.neo4j_user", "neo4j")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})
	v.SetDefault("server.max_upload_bytes", int64(25<<20))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("ollama_host", "http://localhost:11434")
}

func bindLegacyEnv(v *viper.Viper) {
	legacy := map[string]string{
		"openai_api_key":           "OPENAI_API_KEY",
		"openai_base_url":          "OPENAI_BASE_URL",
		"ollama_host":              "OLLAMA_HOST",
		"retrieval.cohere_api_key": "COHERE_API_KEY",
		"search.tavily_api_key":    "TAVILY_API_KEY",
		"storage.postgres_dsn":     "POSTGRES_DSN",
		"storage.weaviate_url":     "WEAVIATE_URL",
		"storage.neo4j_uri":        "NEO4J_URI",
		"storage.neo4j_user":       "NEO4J_USERNAME",
		"storage.neo4j_pass":       "NEO4J_PASSWORD",
	}
	for key, env := range legacy {
		_ = v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}
}

// Redacted returns a copy with credentials masked, suitable for display.
func (c Config) Redacted() Config {
	out := c
	out.OpenAIAPIKey = mask(c.OpenAIAPIKey)
	out.Retrieval.CohereAPIKey = mask(c.Retrieval.CohereAPIKey)
	out.Search.TavilyAPIKey = mask(c.Search.TavilyAPIKey)
	out.Storage.Neo4jPass = mask(c.Storage.Neo4jPass)
	out.Storage.PostgresDSN = maskDSN(c.Storage.PostgresDSN)
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + "****" + secret[len(secret)-2:]
}

func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		creds = creds[:colon] + ":****"
	}
	return dsn[:scheme+3] + creds + dsn[at:]
}
