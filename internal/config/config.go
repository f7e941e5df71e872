package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string

	// Enabled false keeps retry entries in process memory, for development.
	Enabled bool
	// Migrate applies the embedded schema on startup.
	Migrate bool
}

type NSQ struct {
	NsqdTCPAddr    string        // e.g. nsqd:4150
	LookupHTTPAddr string        // e.g. http://nsqlookupd:4161
	RetryTopic     string        // NSQ topic for scheduled dispatches
	DLQTopic       string        // Dead letter topic
	WorkerChannel  string        // NSQ channel name for workers
	Enabled        bool          // When false retries are only driven by the poller
	MaxDeferral    time.Duration // Longest DPUB nsqd accepts (--max-req-timeout)
}

type Redis struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool // When false an in-process cache is used
}

// Bus holds the remote BUS API credentials and identity.
type Bus struct {
	Endpoint   string // base URL, /login and /events are appended
	VentureID  string // node id sent on login and as envelope "from"
	Username   string
	Password   string
	APIVersion string
	Timeout    time.Duration
	TokenTTL   time.Duration
}

// Configured reports whether the minimum settings for a dispatch are present.
func (b Bus) Configured() bool {
	return b.Endpoint != "" && b.VentureID != "" && b.Username != "" && b.Password != ""
}

type Retry struct {
	Backoff        time.Duration // delay after a failed scheduled attempt
	ImmediateRetry time.Duration // delay after a failed immediate attempt
	ConfirmDelay   time.Duration // delay for confirmatory re-sends
	MaxAttempts    int           // 0 means unlimited
	PublishDLQ     bool
	PollInterval   time.Duration
	PollBatch      int
	PollGrace      time.Duration // how overdue an entry must be before the poller takes it from NSQ
	Lease          time.Duration
}

type Trigger struct {
	PostTypes          []string
	AuthorEvents       bool
	TermEvents         bool
	ArticleDedupWindow time.Duration
	AuthorDedupWindow  time.Duration
	AuthorRoles        []string
}

type Payload struct {
	Locale             string
	CustomCategory     bool
	CustomCategoryName string
	SailthruVertical   int // 0 disables sailthru tags
	SailthruEnabled    bool
	YouTubeAPIKey      string
	SiteURL            string
	ImageHashTimeout   time.Duration
}

type WordPress struct {
	BaseURL     string
	User        string
	AppPassword string
	Timeout     time.Duration
}

type Slack struct {
	Enabled    bool
	HookURL    string
	Channel    string
	BotName    string
	AppKey     string // prefixed to every message
	RatePerMin int
}

type Auth struct {
	HMACSecret   string
	PublicKeyPEM string
	Issuer       string
	Audience     string
}

// Enabled reports whether inbound requests must carry a bearer token.
func (a Auth) Enabled() bool {
	return a.HMACSecret != "" || a.PublicKeyPEM != ""
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	WorkerPort   string // :8083
	ErrorLogFile string
	DB           DB
	NSQ          NSQ
	Redis        Redis
	Bus          Bus
	Retry        Retry
	Trigger      Trigger
	Payload      Payload
	WordPress    WordPress
	Slack        Slack
	Auth         Auth
}

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

// getenvMinutes reads a whole number of minutes, as operators set BACKOFF_FOR_MINUTES.
func getenvMinutes(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return time.Duration(i) * time.Minute
		}
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:      getenv("APP_NAME", "bus-relay"),
		HTTPPort:     getenv("HTTP_PORT", ":8080"),
		WorkerPort:   ":" + getenv("WORKER_HTTP_PORT", "8083"),
		ErrorLogFile: getenv("ERROR_LOG_FILE", ""),
		DB: DB{
			User:    getenv("DB_USER", "postgres"),
			Pass:    getenv("DB_PASS", "postgres"),
			Host:    getenv("DB_HOST", "postgres"),
			Port:    getenv("DB_PORT", "5432"),
			Name:    getenv("DB_NAME", "busrelay"),
			Enabled: getenvBool("DB_ENABLED", true),
			Migrate: getenvBool("DB_MIGRATE", true),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			RetryTopic:     getenv("NSQ_RETRY_TOPIC", "bus_retries"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "bus_retries_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			Enabled:        getenvBool("NSQ_ENABLED", true),
			MaxDeferral:    getenvDuration("NSQ_MAX_DEFERRAL", time.Hour),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			Enabled:  getenvBool("REDIS_ENABLED", true),
		},
		Bus: Bus{
			Endpoint:   strings.TrimRight(getenv("BUS_ENDPOINT", ""), "/"),
			VentureID:  getenv("VENTURE_CONFIG", ""),
			Username:   getenv("BUS_API_USERNAME", ""),
			Password:   getenv("BUS_API_PASSWORD", ""),
			APIVersion: getenv("BUS_API_VERSION", "2.0.0"),
			Timeout:    getenvDuration("BUS_TIMEOUT", 15*time.Second),
			TokenTTL:   getenvDuration("BUS_TOKEN_TTL", 24*time.Hour),
		},
		Retry: Retry{
			Backoff:        getenvMinutes("BACKOFF_FOR_MINUTES", 30*time.Minute),
			ImmediateRetry: getenvDuration("IMMEDIATE_RETRY_DELAY", time.Minute),
			ConfirmDelay:   getenvDuration("CONFIRM_DELAY", time.Minute),
			MaxAttempts:    getenvInt("MAX_ATTEMPTS", 0),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
			PollInterval:   getenvDuration("RETRY_POLL_INTERVAL", 30*time.Second),
			PollBatch:      getenvInt("RETRY_POLL_BATCH", 50),
			PollGrace:      getenvDuration("RETRY_POLL_GRACE", time.Minute),
			Lease:          getenvDuration("RETRY_LEASE", 5*time.Minute),
		},
		Trigger: Trigger{
			PostTypes:          getenvList("ENABLED_POST_TYPES", []string{"post"}),
			AuthorEvents:       getenvBool("ENABLE_AUTHOR_EVENTS", false),
			TermEvents:         getenvBool("ENABLE_TERM_EVENTS", true),
			ArticleDedupWindow: getenvDuration("ARTICLE_DEDUP_WINDOW", 25*time.Second),
			AuthorDedupWindow:  getenvDuration("AUTHOR_DEDUP_WINDOW", 5*time.Second),
			AuthorRoles:        getenvList("AUTHOR_ROLES", []string{"administrator", "editor", "author", "contributor"}),
		},
		Payload: Payload{
			Locale:             getenv("BUS_API_LOCALE", "en_KE"),
			CustomCategory:     getenvBool("CUSTOM_TOP_LEVEL_CATEGORY", false),
			CustomCategoryName: getenv("CUSTOM_TOP_LEVEL_CATEGORY_NAME", ""),
			SailthruVertical:   getenvInt("SAILTHRU_VERTICAL", 0),
			SailthruEnabled:    getenvBool("SAILTHRU_ENABLED", false),
			YouTubeAPIKey:      getenv("YOUTUBE_API_KEY", ""),
			SiteURL:            getenv("SITE_URL", ""),
			ImageHashTimeout:   getenvDuration("IMAGE_HASH_TIMEOUT", 10*time.Second),
		},
		WordPress: WordPress{
			BaseURL:     strings.TrimRight(getenv("WP_BASE_URL", ""), "/"),
			User:        getenv("WP_USER", ""),
			AppPassword: getenv("WP_APP_PASSWORD", ""),
			Timeout:     getenvDuration("WP_TIMEOUT", 10*time.Second),
		},
		Slack: Slack{
			Enabled:    getenvBool("SLACK_ENABLED", false),
			HookURL:    getenv("SLACK_HOOK_URL", ""),
			Channel:    getenv("SLACK_CHANNEL_NAME", ""),
			BotName:    getenv("SLACK_BOT_NAME", "BUS Relay"),
			AppKey:     getenv("APP_KEY", ""),
			RatePerMin: getenvInt("SLACK_RATE_PER_MIN", 20),
		},
		Auth: Auth{
			HMACSecret:   getenv("AUTH_HMAC_SECRET", ""),
			PublicKeyPEM: getenv("AUTH_PUBLIC_KEY_PEM", ""),
			Issuer:       getenv("AUTH_ISSUER", ""),
			Audience:     getenv("AUTH_AUDIENCE", ""),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Validate reports settings that make the relay unable to dispatch at all.
func (c Config) Validate() error {
	var missing []string
	if c.Bus.Endpoint == "" {
		missing = append(missing, "BUS_ENDPOINT")
	}
	if c.Bus.VentureID == "" {
		missing = append(missing, "VENTURE_CONFIG")
	}
	if c.Bus.Username == "" {
		missing = append(missing, "BUS_API_USERNAME")
	}
	if c.Bus.Password == "" {
		missing = append(missing, "BUS_API_PASSWORD")
	}
	if c.Slack.Enabled && c.Slack.HookURL == "" {
		missing = append(missing, "SLACK_HOOK_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
