package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Harvest   HarvestConfig
	Scheduler SchedulerConfig
	Archive   ArchiveConfig
	DBPath    string
	ResultsDB string
	LogLevel  string
	LogFile   string
	Metrics   string
	ProxyURL  string
	SourceDir string
	Sources   map[string]*SourceConfig
}

// HarvestConfig holds the defaults applied to every source and task.
type HarvestConfig struct {
	Quota          int
	Window         time.Duration
	MinSpacing     time.Duration
	MaxBackoff     time.Duration
	PageDelay      time.Duration
	ItemsPerPage   int
	MaxRetries     int
	PageRetries    int
	TaskBudget     time.Duration
	RequestTimeout time.Duration
	MaxTasksPerJob int
}

type SchedulerConfig struct {
	Workers    int
	Interval   time.Duration
	Cron       string
	PollEvery  time.Duration
	StaleAfter time.Duration
}

type ArchiveConfig struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// SourceConfig describes one external listing source, loaded from YAML.
// Zero values fall back to the HarvestConfig defaults.
type SourceConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Handler     string            `yaml:"handler"`
	BaseURL     string            `yaml:"base_url"`
	TokenEnv    string            `yaml:"token_env"`
	Quota       int               `yaml:"quota"`
	WindowSec   int               `yaml:"window_sec"`
	SpacingMS   int               `yaml:"spacing_ms"`
	MaxPageSize int               `yaml:"max_page_size"`
	Params      map[string]string `yaml:"params"`
	Selectors   SelectorConfig    `yaml:"selectors"`
}

// SelectorConfig maps listing fields to CSS selectors for HTML sources.
type SelectorConfig struct {
	Item       string `yaml:"item"`
	ExternalID string `yaml:"external_id"`
	Title      string `yaml:"title"`
	Price      string `yaml:"price"`
	Currency   string `yaml:"currency"`
	Seller     string `yaml:"seller"`
	Condition  string `yaml:"condition"`
	Category   string `yaml:"category"`
	Link       string `yaml:"link"`
	Total      string `yaml:"total"`
}

// Token reads the bearer token for the source from its configured env var.
func (s *SourceConfig) Token() string {
	if s.TokenEnv == "" {
		return ""
	}
	return os.Getenv(s.TokenEnv)
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Harvest: HarvestConfig{
			Quota:          getEnvInt("HARVEST_QUOTA", 5000),
			Window:         getEnvDuration("HARVEST_WINDOW", 24*time.Hour),
			MinSpacing:     getEnvDuration("HARVEST_MIN_SPACING", 500*time.Millisecond),
			MaxBackoff:     getEnvDuration("HARVEST_MAX_BACKOFF", 5*time.Minute),
			PageDelay:      getEnvDuration("HARVEST_PAGE_DELAY", time.Second),
			ItemsPerPage:   getEnvInt("HARVEST_ITEMS_PER_PAGE", 50),
			MaxRetries:     getEnvInt("HARVEST_MAX_RETRIES", 3),
			PageRetries:    getEnvInt("HARVEST_PAGE_RETRIES", 3),
			TaskBudget:     getEnvDuration("HARVEST_TASK_BUDGET", 5*time.Minute),
			RequestTimeout: getEnvDuration("HARVEST_REQUEST_TIMEOUT", 30*time.Second),
			MaxTasksPerJob: getEnvInt("HARVEST_MAX_TASKS_PER_JOB", 10000),
		},
		Scheduler: SchedulerConfig{
			Workers:    getEnvInt("HARVEST_WORKERS", 2),
			Interval:   getEnvDuration("HARVEST_INTERVAL", 30*time.Second),
			Cron:       os.Getenv("HARVEST_CRON"),
			PollEvery:  getEnvDuration("HARVEST_POLL_INTERVAL", 5*time.Second),
			StaleAfter: getEnvDuration("HARVEST_STALE_AFTER", 15*time.Minute),
		},
		Archive: ArchiveConfig{
			Bucket:   os.Getenv("ARCHIVE_S3_BUCKET"),
			Prefix:   getEnv("ARCHIVE_S3_PREFIX", "pages"),
			Region:   getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
		},
		DBPath:    getEnv("DB_PATH", "harvester.db"),
		ResultsDB: os.Getenv("RESULTS_DB_URL"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFile:   getEnv("LOG_FILE", "harvester.log"),
		Metrics:   os.Getenv("METRICS_ADDR"),
		ProxyURL:  os.Getenv("SOURCE_PROXY_URL"),
		SourceDir: getEnv("SOURCE_CONFIG_DIR", "config/sources"),
		Sources:   make(map[string]*SourceConfig),
	}

	if err := cfg.loadSourceConfigs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadSourceConfigs() error {
	entries, err := os.ReadDir(c.SourceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(c.SourceDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var src SourceConfig
		if err := yaml.Unmarshal(data, &src); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if src.ID == "" {
			return fmt.Errorf("parse %s: missing id", path)
		}

		c.Sources[src.ID] = &src
	}

	return nil
}

// Limits resolves the call budget for a source, applying defaults.
func (c *Config) Limits(sourceID string) (quota int, window, spacing time.Duration) {
	quota, window, spacing = c.Harvest.Quota, c.Harvest.Window, c.Harvest.MinSpacing
	src, ok := c.Sources[sourceID]
	if !ok {
		return
	}
	if src.Quota > 0 {
		quota = src.Quota
	}
	if src.WindowSec > 0 {
		window = time.Duration(src.WindowSec) * time.Second
	}
	if src.SpacingMS > 0 {
		spacing = time.Duration(src.SpacingMS) * time.Millisecond
	}
	return
}

// MaxPageSize is the largest items-per-page a source accepts.
func (c *Config) MaxPageSize(sourceID string) int {
	if src, ok := c.Sources[sourceID]; ok && src.MaxPageSize > 0 {
		return src.MaxPageSize
	}
	return 100
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
