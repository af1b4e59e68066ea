package cocoseo

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port       int    `yaml:"port" validate:"gte=0,lte=65535"`
		BaseURL    string `yaml:"baseURL" validate:"required,url"`
		AdminToken string `yaml:"adminToken"`
	} `yaml:"server"`

	Site struct {
		// DiscourageSearch blocks every crawler in robots.txt.
		DiscourageSearch bool   `yaml:"discourageSearch"`
		DefaultIndex     string `yaml:"defaultIndex" validate:"oneof=index noindex"`
		DefaultFollow    string `yaml:"defaultFollow" validate:"oneof=follow nofollow"`
	} `yaml:"site"`

	Types []TypeConfig `yaml:"types" validate:"required,min=1,dive"`

	Storage struct {
		RAM struct {
			Max ByteSize `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Path string   `yaml:"path"`
			Max  ByteSize `yaml:"max"`
		} `yaml:"disk"`
		Content struct {
			Path string `yaml:"path"`
		} `yaml:"content"`
	} `yaml:"storage"`

	Sitemap struct {
		TTL             string `yaml:"ttl"`
		RegenerateEvery string `yaml:"regenerateEvery"`
		// Debug regenerates on every request, still writing the result back.
		Debug    bool   `yaml:"debug"`
		Bands    []Band `yaml:"bands" validate:"dive"`
		Fallback Band   `yaml:"fallback"`

		ttlDur   time.Duration
		regenDur time.Duration
	} `yaml:"sitemap"`

	Robots struct {
		Disallow []string `yaml:"disallow"`
		Allow    []string `yaml:"allow"`
	} `yaml:"robots"`

	IndexNow struct {
		Key             string `yaml:"key" validate:"omitempty,alphanum,min=8,max=128"`
		KeyStrategy     string `yaml:"keyStrategy" validate:"oneof=root virtual"`
		Endpoint        string `yaml:"endpoint" validate:"url"`
		SubmitOnPublish bool   `yaml:"submitOnPublish"`
	} `yaml:"indexNow"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// TypeConfig describes one content type with its own sitemap document.
type TypeConfig struct {
	Name     string  `yaml:"name" validate:"required,max=20"`
	Label    string  `yaml:"label"`
	Disabled bool    `yaml:"disabled"`
	Boost    float64 `yaml:"boost" validate:"gte=0,lte=1"`
}

// Band maps an age bracket to a priority and change frequency.
type Band struct {
	BelowDays  int     `yaml:"belowDays" validate:"gte=0"`
	Priority   float64 `yaml:"priority" validate:"gte=0,lte=1"`
	ChangeFreq string  `yaml:"changefreq" validate:"oneof=always hourly daily weekly monthly yearly never"`
}

const (
	defaultIndexNowEndpoint = "https://api.indexnow.org/indexnow"
	indexKey                = "index"
)

var defaultBands = []Band{
	{BelowDays: 7, Priority: 0.9, ChangeFreq: "daily"},
	{BelowDays: 30, Priority: 0.8, ChangeFreq: "weekly"},
	{BelowDays: 90, Priority: 0.7, ChangeFreq: "monthly"},
	{BelowDays: 365, Priority: 0.6, ChangeFreq: "yearly"},
}

var validate = validator.New()

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies environment overrides and defaults, and
// validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COCOSEO_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("COCOSEO_ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv("COCOSEO_INDEXNOW_KEY"); v != "" {
		c.IndexNow.Key = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")

	if c.Site.DefaultIndex == "" {
		c.Site.DefaultIndex = "index"
	}
	if c.Site.DefaultFollow == "" {
		c.Site.DefaultFollow = "follow"
	}
	if len(c.Types) == 0 {
		c.Types = []TypeConfig{
			{Name: "post", Label: "Posts"},
			{Name: "page", Label: "Pages", Boost: 0.1},
		}
	}
	for i := range c.Types {
		if c.Types[i].Label == "" {
			c.Types[i].Label = c.Types[i].Name
		}
	}

	if c.Storage.RAM.Max == 0 {
		c.Storage.RAM.Max = 16 << 20
	}
	if c.Storage.Content.Path == "" {
		c.Storage.Content.Path = "./data/content.db"
	}
	if c.Storage.Disk.Max == 0 {
		c.Storage.Disk.Max = 256 << 20
	}

	if c.Sitemap.TTL == "" {
		c.Sitemap.TTL = "1h"
	}
	if len(c.Sitemap.Bands) == 0 {
		c.Sitemap.Bands = append([]Band(nil), defaultBands...)
	}
	if c.Sitemap.Fallback.ChangeFreq == "" {
		c.Sitemap.Fallback = Band{Priority: 0.5, ChangeFreq: "yearly"}
	}

	if len(c.Robots.Disallow) == 0 {
		c.Robots.Disallow = []string{"/admin/"}
	}

	if c.IndexNow.KeyStrategy == "" {
		c.IndexNow.KeyStrategy = "root"
	}
	if c.IndexNow.Endpoint == "" {
		c.IndexNow.Endpoint = defaultIndexNowEndpoint
	}
}

func (c *Config) finalize() error {
	c.applyDefaults()

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("server.baseURL %q must be an absolute URL", c.Server.BaseURL)
	}

	seen := make(map[string]struct{}, len(c.Types))
	for i, t := range c.Types {
		if t.Name == indexKey {
			return fmt.Errorf("types[%d].name: %q is reserved", i, t.Name)
		}
		if sanitizeKey(t.Name) != t.Name {
			return fmt.Errorf("types[%d].name: %q may only contain a-z, 0-9, '-' and '_'", i, t.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("types[%d].name: duplicate %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
	}

	prev := Band{BelowDays: 0, Priority: 1}
	for i, b := range c.Sitemap.Bands {
		if b.BelowDays <= prev.BelowDays {
			return fmt.Errorf("sitemap.bands[%d].belowDays must be ascending", i)
		}
		if b.Priority > prev.Priority {
			return fmt.Errorf("sitemap.bands[%d].priority must not increase with age", i)
		}
		prev = b
	}
	if c.Sitemap.Fallback.Priority > prev.Priority {
		return fmt.Errorf("sitemap.fallback.priority must not exceed the last band")
	}

	if c.Sitemap.ttlDur, err = time.ParseDuration(c.Sitemap.TTL); err != nil {
		return fmt.Errorf("sitemap.ttl: %w", err)
	}
	if c.Sitemap.RegenerateEvery != "" {
		if c.Sitemap.regenDur, err = time.ParseDuration(c.Sitemap.RegenerateEvery); err != nil {
			return fmt.Errorf("sitemap.regenerateEvery: %w", err)
		}
	}
	if c.Logging.LogStatsEvery != "" {
		if c.Logging.logStatsEveryDur, err = time.ParseDuration(c.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}
	return nil
}

// typeConfig returns the configuration for name, if the type is known.
func (c *Config) typeConfig(name string) (TypeConfig, bool) {
	for _, t := range c.Types {
		if t.Name == name {
			return t, true
		}
	}
	return TypeConfig{}, false
}

func (c *Config) enabledTypes() []TypeConfig {
	out := make([]TypeConfig, 0, len(c.Types))
	for _, t := range c.Types {
		if !t.Disabled {
			out = append(out, t)
		}
	}
	return out
}

func (c *Config) enabledTypeNames() []string {
	ts := c.enabledTypes()
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name
	}
	return out
}

func (c *Config) defaultDirective() string {
	return c.Site.DefaultIndex + " " + c.Site.DefaultFollow
}

// absoluteURL joins a site-relative path onto the base URL.
func (c *Config) absoluteURL(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return c.Server.BaseURL + p
}
