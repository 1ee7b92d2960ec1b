package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/housekeeper/internal/entity"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
	Migrate  bool // apply the embedded schema on startup
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, used for /stats
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	TasksTopic     string // cleanup task topic
	DLQTopic       string // dead-letter topic
	WorkerChannel  string // NSQ channel shared by all housekeeper workers
	MaxInFlight    int
}

type Housekeeper struct {
	Enabled             bool   // false means no pipeline: tenant teardown runs synchronously
	Channel             string // nsq or memory
	Workers             int
	BatchSize           int
	MaxAttempts         int
	BackoffSchedule     []time.Duration
	JitterPercent       float64
	TaskTimeout         time.Duration
	TaskTimeouts        map[string]time.Duration // per task type overrides
	PublishDLQ          bool
	TouchInterval       time.Duration
	EnumeratePageSize   int
	SkipRelationCleanup []entity.Type
}

type Auth struct {
	Enabled       bool
	PublicKeyFile string
	Issuer        string
	Audience      string
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	StoreBackend string // postgres or memory
	DB           DB
	NSQ          NSQ
	Housekeeper  Housekeeper
	Auth         Auth
}

// taskTypes is duplicated from the housekeeper package to keep config free of domain imports
var taskTypes = []string{
	"DELETE_ATTRIBUTES",
	"DELETE_TELEMETRY",
	"DELETE_EVENTS",
	"DELETE_ENTITY_ALARMS",
	"DELETE_RELATIONS",
	"DELETE_ENTITIES_BY_TYPE",
	"UNASSIGN_ALARMS",
}

var defaultBackoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseBackoffSchedule parses a comma separated duration list. Invalid
// entries are skipped and the result is made non-decreasing, so a retry
// never waits less than the one before it.
func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return append([]time.Duration(nil), defaultBackoff...)
	}

	var durations []time.Duration
	for _, part := range strings.Split(schedule, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil || d < 0 {
			continue
		}
		if n := len(durations); n > 0 && d < durations[n-1] {
			d = durations[n-1]
		}
		durations = append(durations, d)
	}

	if len(durations) == 0 {
		return append([]time.Duration(nil), defaultBackoff...)
	}
	return durations
}

// parseEntityTypes keeps the valid entries of a comma separated type list
func parseEntityTypes(csv string) []entity.Type {
	if csv == "" {
		return nil
	}
	types, err := entity.ParseTypes(csv)
	if err == nil {
		return types
	}
	var out []entity.Type
	for _, p := range strings.Split(csv, ",") {
		if t, err := entity.ParseType(strings.TrimSpace(p)); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func taskTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, tt := range taskTypes {
		if d := getenvDuration("TASK_TIMEOUT_"+tt, 0); d > 0 {
			out[tt] = d
		}
	}
	return out
}

func clampJitter(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func FromEnv() Config {
	nsqdTCP := getenv("NSQD_TCP_ADDR", "nsqd:4150")
	return Config{
		AppName:      getenv("APP_NAME", "housekeeper"),
		HTTPPort:     getenv("HTTP_PORT", ":8080"),
		StoreBackend: strings.ToLower(getenv("STORE_BACKEND", "postgres")),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "housekeeper"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
			Migrate:  getenvBool("DB_MIGRATE", false),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    nsqdTCP,
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", strings.Replace(nsqdTCP, ":4150", ":4151", 1)),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			TasksTopic:     getenv("NSQ_TASKS_TOPIC", "housekeeper_tasks"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "housekeeper_tasks_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "housekeeper"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 200),
		},
		Housekeeper: Housekeeper{
			Enabled:             getenvBool("HOUSEKEEPER_ENABLED", true),
			Channel:             strings.ToLower(getenv("HOUSEKEEPER_CHANNEL", "nsq")),
			Workers:             getenvInt("HOUSEKEEPER_WORKERS", 8),
			BatchSize:           getenvInt("HOUSEKEEPER_BATCH_SIZE", 64),
			MaxAttempts:         getenvInt("MAX_ATTEMPTS", 6),
			BackoffSchedule:     parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:       clampJitter(getenvFloat("BACKOFF_JITTER_PCT", 0.25)),
			TaskTimeout:         getenvDuration("TASK_TIMEOUT", time.Minute),
			TaskTimeouts:        taskTimeouts(),
			PublishDLQ:          getenvBool("PUBLISH_DLQ_TOPIC", false),
			TouchInterval:       getenvDuration("TOUCH_INTERVAL", 30*time.Second),
			EnumeratePageSize:   getenvInt("ENUMERATE_PAGE_SIZE", 100),
			SkipRelationCleanup: parseEntityTypes(getenv("SKIP_RELATION_CLEANUP", "")),
		},
		Auth: Auth{
			Enabled:       getenvBool("AUTH_ENABLED", false),
			PublicKeyFile: getenv("JWT_PUBLIC_KEY_FILE", ""),
			Issuer:        getenv("JWT_ISSUER", "housekeeper"),
			Audience:      getenv("JWT_AUDIENCE", "housekeeper-admin"),
		},
	}
}

// Validate catches settings that would make the worker misbehave silently
func (c Config) Validate() error {
	switch c.StoreBackend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: STORE_BACKEND %q must be postgres or memory", c.StoreBackend)
	}
	h := c.Housekeeper
	if h.Enabled {
		switch h.Channel {
		case "nsq", "memory":
		default:
			return fmt.Errorf("config: HOUSEKEEPER_CHANNEL %q must be nsq or memory", h.Channel)
		}
	}
	if h.Workers < 1 {
		return fmt.Errorf("config: HOUSEKEEPER_WORKERS must be >= 1, got %d", h.Workers)
	}
	if h.BatchSize < 1 {
		return fmt.Errorf("config: HOUSEKEEPER_BATCH_SIZE must be >= 1, got %d", h.BatchSize)
	}
	if h.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be >= 1, got %d", h.MaxAttempts)
	}
	if h.EnumeratePageSize < 1 {
		return fmt.Errorf("config: ENUMERATE_PAGE_SIZE must be >= 1, got %d", h.EnumeratePageSize)
	}
	if c.Auth.Enabled && c.Auth.PublicKeyFile == "" {
		return fmt.Errorf("config: AUTH_ENABLED requires JWT_PUBLIC_KEY_FILE")
	}
	return nil
}

// TimeoutFor returns the handler timeout for a task type
func (h Housekeeper) TimeoutFor(taskType string) time.Duration {
	if d, ok := h.TaskTimeouts[taskType]; ok {
		return d
	}
	return h.TaskTimeout
}

// TimeoutOverrides lists the per-type overrides in a stable order, for startup logs
func (h Housekeeper) TimeoutOverrides() []string {
	out := make([]string, 0, len(h.TaskTimeouts))
	for k, v := range h.TaskTimeouts {
		out = append(out, k+"="+v.String())
	}
	sort.Strings(out)
	return out
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
