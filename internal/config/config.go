package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate when required settings are missing.
var ErrInvalid = errors.New("invalid configuration")

// ICSConfig describes a single read-only ICS subscription.
type ICSConfig struct {
	URL  string `yaml:"url" json:"url"`
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

type GoogleConfig struct {
	// CredentialsFile is either an OAuth client secret (used with TokenFile)
	// or a service account key.
	CredentialsFile string   `yaml:"credentials_file" json:"credentials_file"`
	TokenFile       string   `yaml:"token_file" json:"token_file"`
	CalendarIDs     []string `yaml:"calendar_ids" json:"calendar_ids"`
}

type CalendarConfig struct {
	// Provider selects the event store: "google", "ics" or "memory".
	Provider string       `yaml:"provider" json:"provider"`
	Google   GoogleConfig `yaml:"google" json:"google"`
	ICS      []ICSConfig  `yaml:"ics" json:"ics"`
	CacheDir string       `yaml:"cache_dir" json:"cache_dir"`
}

// WindowConfig is the day range scanned by a primary run, relative to today.
type WindowConfig struct {
	BackDays  int `yaml:"back_days" json:"back_days"`
	AheadDays int `yaml:"ahead_days" json:"ahead_days"`
}

type MarkingConfig struct {
	Attempts    int           `yaml:"attempts" json:"attempts"`
	SettleDelay time.Duration `yaml:"settle_delay" json:"settle_delay"`
	Backoff     time.Duration `yaml:"backoff" json:"backoff"`
}

type PipelineConfig struct {
	// Strictness is "basic", "standard" or "semantic".
	Strictness          string        `yaml:"strictness" json:"strictness"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" json:"similarity_threshold"`
	RateLimitDelay      time.Duration `yaml:"rate_limit_delay" json:"rate_limit_delay"`
	DryRun              bool          `yaml:"dry_run" json:"dry_run"`
	UrgentKeywords      []string      `yaml:"urgent_keywords" json:"urgent_keywords"`
	ImportantKeywords   []string      `yaml:"important_keywords" json:"important_keywords"`
}

// NotionProperties maps task fields onto database property names.
type NotionProperties struct {
	Title         string `yaml:"title" json:"title"`
	Type          string `yaml:"type" json:"type"`
	Priority      string `yaml:"priority" json:"priority"`
	DueDate       string `yaml:"due_date" json:"due_date"`
	Source        string `yaml:"source" json:"source"`
	Status        string `yaml:"status" json:"status"`
	CreatedBy     string `yaml:"created_by" json:"created_by"`
	OriginalEvent string `yaml:"original_event" json:"original_event"`
}

// NotionLabels maps enum values onto the select option names used in the
// database. Missing entries fall back to the enum value itself.
type NotionLabels struct {
	Priority map[string]string `yaml:"priority" json:"priority"`
	Status   map[string]string `yaml:"status" json:"status"`
}

type NotionConfig struct {
	Token        string           `yaml:"token" json:"-"`
	DatabaseID   string           `yaml:"database_id" json:"database_id"`
	BaseURL      string           `yaml:"base_url" json:"base_url"`
	Version      string           `yaml:"version" json:"version"`
	Properties   NotionProperties `yaml:"properties" json:"properties"`
	Labels       NotionLabels     `yaml:"labels" json:"labels"`
	WriteSummary bool             `yaml:"write_summary" json:"write_summary"`
}

type SemanticConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Model    string `yaml:"model" json:"model"`
	APIKey   string `yaml:"api_key" json:"-"`
	Language string `yaml:"language" json:"language"`
}

type MailConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Query      string `yaml:"query" json:"query"`
	MaxResults int    `yaml:"max_results" json:"max_results"`
	MarkRead   bool   `yaml:"mark_read" json:"mark_read"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
}

type DatastoreConfig struct {
	ProjectID string `yaml:"project_id" json:"project_id"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// StateConfig selects the backend of the execution record store.
type StateConfig struct {
	// Backend is "file", "sqlite", "redis", "datastore" or "memory".
	Backend   string          `yaml:"backend" json:"backend"`
	Path      string          `yaml:"path" json:"path"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Datastore DatastoreConfig `yaml:"datastore" json:"datastore"`
}

type ReliabilityConfig struct {
	SegmentDays        int           `yaml:"segment_days" json:"segment_days"`
	TimeBudget         time.Duration `yaml:"time_budget" json:"time_budget"`
	SegmentPause       time.Duration `yaml:"segment_pause" json:"segment_pause"`
	PrimaryLockTimeout time.Duration `yaml:"primary_lock_timeout" json:"primary_lock_timeout"`
	BackupLockTimeout  time.Duration `yaml:"backup_lock_timeout" json:"backup_lock_timeout"`
	StaleAfter         time.Duration `yaml:"stale_after" json:"stale_after"`
	BackupDays         int           `yaml:"backup_days" json:"backup_days"`
	BackupThreshold    int           `yaml:"backup_threshold" json:"backup_threshold"`
	NoisePatterns      []string      `yaml:"noise_patterns" json:"noise_patterns"`
	MinTitleLength     int           `yaml:"min_title_length" json:"min_title_length"`
	HistorySize        int           `yaml:"history_size" json:"history_size"`
	TrackerRetention   time.Duration `yaml:"tracker_retention" json:"tracker_retention"`
}

// ScheduleConfig holds cron expressions for the serve command. An empty
// expression disables that job.
type ScheduleConfig struct {
	Primary string `yaml:"primary" json:"primary"`
	Backup  string `yaml:"backup" json:"backup"`
	Health  string `yaml:"health" json:"health"`
	Mail    string `yaml:"mail" json:"mail"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used to compute event dates (e.g. "Asia/Tokyo").
	Timezone string `yaml:"timezone" json:"timezone"`

	Log         LogConfig         `yaml:"log" json:"log"`
	Calendar    CalendarConfig    `yaml:"calendar" json:"calendar"`
	Window      WindowConfig      `yaml:"window" json:"window"`
	Marking     MarkingConfig     `yaml:"marking" json:"marking"`
	Pipeline    PipelineConfig    `yaml:"pipeline" json:"pipeline"`
	Notion      NotionConfig      `yaml:"notion" json:"notion"`
	Semantic    SemanticConfig    `yaml:"semantic" json:"semantic"`
	Mail        MailConfig        `yaml:"mail" json:"mail"`
	State       StateConfig       `yaml:"state" json:"state"`
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`
	Schedule    ScheduleConfig    `yaml:"schedule" json:"schedule"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Calendar: CalendarConfig{Provider: "google"},
		Notion:   NotionConfig{WriteSummary: true},
		State:    StateConfig{Backend: "file"},
		Schedule: ScheduleConfig{
			Primary: "0 3 * * *",
			Backup:  "0 12 * * *",
			Health:  "0 9 * * 0",
		},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Tokyo"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Calendar.Provider == "" {
		c.Calendar.Provider = "google"
	}
	if c.Calendar.CacheDir == "" {
		c.Calendar.CacheDir = "./var/ics-cache"
	}
	if c.Calendar.ICS == nil {
		c.Calendar.ICS = []ICSConfig{}
	}

	if c.Window.BackDays <= 0 {
		c.Window.BackDays = 7
	}
	if c.Window.AheadDays < 0 {
		c.Window.AheadDays = 0
	}

	// Fewer than three attempts leaves no room for a slow backing store.
	if c.Marking.Attempts < 3 {
		c.Marking.Attempts = 3
	}
	if c.Marking.Attempts > 5 {
		c.Marking.Attempts = 5
	}
	if c.Marking.SettleDelay <= 0 {
		c.Marking.SettleDelay = 500 * time.Millisecond
	}
	if c.Marking.Backoff <= 0 {
		c.Marking.Backoff = time.Second
	}

	switch c.Pipeline.Strictness {
	case "basic", "standard", "semantic":
	default:
		c.Pipeline.Strictness = "standard"
	}
	if c.Pipeline.SimilarityThreshold <= 0 || c.Pipeline.SimilarityThreshold > 1 {
		c.Pipeline.SimilarityThreshold = 0.8
	}
	if c.Pipeline.RateLimitDelay <= 0 {
		c.Pipeline.RateLimitDelay = 200 * time.Millisecond
	}
	if c.Pipeline.UrgentKeywords == nil {
		c.Pipeline.UrgentKeywords = []string{"緊急", "至急", "urgent", "asap"}
	}
	if c.Pipeline.ImportantKeywords == nil {
		c.Pipeline.ImportantKeywords = []string{"重要", "important"}
	}

	if c.Notion.BaseURL == "" {
		c.Notion.BaseURL = "https://api.notion.com/v1"
	}
	if c.Notion.Version == "" {
		c.Notion.Version = "2022-06-28"
	}
	c.Notion.DatabaseID = cleanID(c.Notion.DatabaseID)
	c.Notion.Properties.normalize()
	if c.Notion.Labels.Priority == nil {
		c.Notion.Labels.Priority = map[string]string{"high": "高", "medium": "中", "low": "低"}
	}
	if c.Notion.Labels.Status == nil {
		c.Notion.Labels.Status = map[string]string{"not_started": "未着手", "in_progress": "進行中", "done": "完了"}
	}

	if c.Semantic.Model == "" {
		c.Semantic.Model = "gpt-4o-mini"
	}
	if c.Semantic.Language == "" {
		c.Semantic.Language = "Japanese"
	}

	if c.Mail.Query == "" {
		c.Mail.Query = "is:unread"
	}
	if c.Mail.MaxResults <= 0 {
		c.Mail.MaxResults = 10
	}

	if c.State.Backend == "" {
		c.State.Backend = "file"
	}
	if c.State.Path == "" {
		switch c.State.Backend {
		case "sqlite":
			c.State.Path = "./var/state.db"
		default:
			c.State.Path = "./var/state.json"
		}
	}
	if c.State.Redis.Addr == "" {
		c.State.Redis.Addr = "127.0.0.1:6379"
	}

	r := &c.Reliability
	if r.SegmentDays <= 0 {
		r.SegmentDays = 2
	}
	if r.TimeBudget <= 0 {
		r.TimeBudget = 5 * time.Minute
	}
	if r.SegmentPause < 0 {
		r.SegmentPause = 0
	} else if r.SegmentPause == 0 {
		r.SegmentPause = time.Second
	}
	if r.PrimaryLockTimeout <= 0 {
		r.PrimaryLockTimeout = 30 * time.Minute
	}
	if r.BackupLockTimeout <= 0 {
		r.BackupLockTimeout = 10 * time.Minute
	}
	if r.StaleAfter <= 0 {
		r.StaleAfter = 15 * time.Hour
	}
	if r.BackupDays <= 0 || r.BackupDays > 3 {
		r.BackupDays = 3
	}
	if r.BackupThreshold < 0 {
		r.BackupThreshold = 0
	}
	if r.NoisePatterns == nil {
		r.NoisePatterns = []string{"ランチ", "休憩", "移動時間", "lunch", "break", "transit"}
	}
	if r.MinTitleLength <= 0 {
		r.MinTitleLength = 4
	}
	if r.HistorySize <= 0 {
		r.HistorySize = 10
	}
	if r.TrackerRetention <= 0 {
		r.TrackerRetention = 30 * 24 * time.Hour
	}
}

func (p *NotionProperties) normalize() {
	set := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	set(&p.Title, "Name")
	set(&p.Type, "type")
	set(&p.Priority, "priority")
	set(&p.DueDate, "due_date")
	set(&p.Source, "source")
	set(&p.Status, "status")
	set(&p.CreatedBy, "created_by")
	set(&p.OriginalEvent, "original_event")
}

// cleanID strips whitespace and line breaks that sneak into pasted
// database IDs.
func cleanID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.NewReplacer("\n", "", "\r", "", " ", "").Replace(id)
	return id
}

// ApplyEnv overlays secrets from the environment. A .env file in the working
// directory is loaded first if present; existing variables win.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	overlay := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	overlay(&c.Notion.Token, "NOTION_TOKEN")
	overlay(&c.Notion.DatabaseID, "NOTION_DATABASE_ID")
	overlay(&c.Semantic.APIKey, "LLM_API_KEY")
	overlay(&c.Semantic.BaseURL, "LLM_BASE_URL")
	overlay(&c.State.Redis.Password, "REDIS_PASSWORD")
	overlay(&c.State.Datastore.ProjectID, "DATASTORE_PROJECT_ID")
	c.Notion.DatabaseID = cleanID(c.Notion.DatabaseID)
}

// Validate reports missing credentials and unknown backend names. It is run
// before any external store is touched.
func (c *Config) Validate() error {
	var problems []string
	if c.Notion.Token == "" {
		problems = append(problems, "notion.token (or NOTION_TOKEN) is required")
	}
	if c.Notion.DatabaseID == "" {
		problems = append(problems, "notion.database_id (or NOTION_DATABASE_ID) is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("timezone %q: %v", c.Timezone, err))
	}

	switch c.Calendar.Provider {
	case "google":
		if c.Calendar.Google.CredentialsFile == "" {
			problems = append(problems, "calendar.google.credentials_file is required for provider google")
		}
	case "ics":
		if len(c.Calendar.ICS) == 0 {
			problems = append(problems, "calendar.ics needs at least one source for provider ics")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("calendar.provider %q is not supported", c.Calendar.Provider))
	}

	switch c.State.Backend {
	case "file", "sqlite", "memory", "redis":
	case "datastore":
		if c.State.Datastore.ProjectID == "" {
			problems = append(problems, "state.datastore.project_id is required for backend datastore")
		}
	default:
		problems = append(problems, fmt.Sprintf("state.backend %q is not supported", c.State.Backend))
	}

	if c.Semantic.Enabled && c.Semantic.APIKey == "" {
		problems = append(problems, "semantic.api_key (or LLM_API_KEY) is required when semantic is enabled")
	}
	if c.Mail.Enabled && c.Calendar.Google.CredentialsFile == "" {
		problems = append(problems, "mail requires calendar.google.credentials_file for Gmail access")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read and missing values are normalized.
//
// Secrets are not overlaid here; call ApplyEnv.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes cfg to path atomically via a temp file + rename, with 0600
// permissions. Secrets loaded from the environment are written too if they
// were set on cfg, so callers saving an env-overlaid config should clear them.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".caltasks-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
