// Package config carries the dispatcher's explicit, threaded configuration
// value. There is no package-level singleton: callers build a Config once in
// main and pass it down through constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration for the dispatcher.
type Config struct {
	Mode string // "dev", "demo", or "prod"

	Addr string
	Port int

	Driver string // "postgres" or "sqlite"
	DSN    string

	// LLM backend (OpenAI-compatible protocol; provider selects base URL/model
	// defaults, mirroring the teacher's unified provider config).
	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string
	LLMTimeout  time.Duration

	EmbeddingModel   string
	EmbeddingAPIKey  string
	EmbeddingBaseURL string

	// Slack workspace transport.
	SlackBotToken      string
	SlackSigningSecret string

	// Calendar provider OAuth2.
	CalendarClientID     string
	CalendarClientSecret string
	CalendarTokenURL     string
	CalendarOrganiserTZ  string

	// Public surface auth.
	WebchatJWTSecret      string
	PublicAPISecret       string
	PublicAPICallbackURL  string // single default callback; every channel posts replies here

	SlackChannelID   string
	TelegramBotToken string

	// At-rest credential encryption master secret (fed through HKDF, never
	// used directly as an AES key).
	CredentialMasterSecret string

	Thresholds Thresholds

	Scheduling Scheduling

	Timeouts Timeouts

	Categories Categories

	// EnableCronSweep turns on the optional abandoned-ticket timeout sweep
	// (spec.md §9 "Open questions"); off by default.
	EnableCronSweep  bool
	CronSweepExpr    string // standard 5-field cron expression
	UnclaimedTimeout time.Duration
}

// Thresholds holds the per-category confidence gates used by the Orchestrator
// (C9) information gate and the enterprise-pricing escalation rule.
type Thresholds struct {
	HighConfGeneral    float32 // default 0.70
	HighConfCompliance float32 // default 0.75
	MedConfCap         float32 // default 0.65, caps pricing-query confidence
	LowConfidenceCeil  float32 // default 0.50, forces escalation below Kmin chunks

	// EnterprisePricingSizeThreshold: accounts at/above this headcount
	// escalate without an answer stub; below it, answer + CTA suffix.
	EnterprisePricingSizeThreshold int

	// AbuseRepeatWindow: number of recent turns examined for a second abusive
	// message (spec.md §4.9 abuse gate).
	AbuseRepeatWindow int

	// DedupSimilarityFloor: cosine similarity above which a candidate answer
	// is considered a repeat of a recent AI turn (spec.md §4.3).
	DedupSimilarityFloor float32

	// RetrievalKmin: minimum retrieved chunks above RetrievalSimilarityFloor
	// before confidence is allowed to exceed LowConfidenceCeil.
	RetrievalKmin int

	// RetrievalSimilarityFloor: minimum chunk relevance score counted toward
	// RetrievalKmin (spec.md §4.3).
	RetrievalSimilarityFloor float32
}

// Scheduling holds Slot Provider (C4) business rules.
type Scheduling struct {
	BusinessHourStart int // 9
	BusinessHourEnd   int // 17
	Buffer            time.Duration
	SlotDuration       time.Duration
	MaxOffers          int
	LookaheadDays      int
}

// Timeouts holds the per-step deadlines of spec.md §5.
type Timeouts struct {
	Turn     time.Duration // end-to-end, default 30s
	TurnHard time.Duration // hard ceiling, 60s
	LLM      time.Duration // 25s
	Vector   time.Duration // 3s
	Calendar time.Duration // 5s
	Workspace time.Duration // 5s
}

// Categories holds the config-driven lexicons the Intent Classifier and
// Retrieval Answerer use for pattern matching, plus optional CEL rules for
// categories that need compound conditions.
type Categories struct {
	ComplianceTerms        []string
	UrgencyKeywords        []string
	AbuseLexicon           []string
	EnterprisePricingTerms []string
	SchedulingVerbs        []string
	DisambiguationQualifiers []string
	ErrorKeywords          []string

	// Rules maps a category name to an optional CEL expression (see
	// dispatch/intent). Every entry is compiled at startup, but the
	// classifier evaluates only the "abusive" entry, when the pattern pass
	// has not resolved the utterance, with headcount always 0.
	Rules map[string]string
}

// Default returns the package defaults named throughout spec.md §6.
func Default() Config {
	return Config{
		Mode:   "dev",
		Port:   8081,
		Driver: "postgres",

		LLMProvider: "openai",
		LLMTimeout:  25 * time.Second,

		CalendarOrganiserTZ: "America/New_York",

		Thresholds: Thresholds{
			HighConfGeneral:                0.70,
			HighConfCompliance:             0.75,
			MedConfCap:                     0.65,
			LowConfidenceCeil:              0.50,
			EnterprisePricingSizeThreshold: 200,
			AbuseRepeatWindow:              10,
			DedupSimilarityFloor:           0.92,
			RetrievalKmin:                  2,
			RetrievalSimilarityFloor:       0.5,
		},

		Scheduling: Scheduling{
			BusinessHourStart: 9,
			BusinessHourEnd:   17,
			Buffer:            15 * time.Minute,
			SlotDuration:      30 * time.Minute,
			MaxOffers:         6,
			LookaheadDays:     5,
		},

		Timeouts: Timeouts{
			Turn:      30 * time.Second,
			TurnHard:  60 * time.Second,
			LLM:       25 * time.Second,
			Vector:    3 * time.Second,
			Calendar:  5 * time.Second,
			Workspace: 5 * time.Second,
		},

		Categories: Categories{
			ComplianceTerms:          []string{"soc2", "soc 2", "hipaa", "gdpr", "iso27001", "iso 27001"},
			UrgencyKeywords:          []string{"urgent", "outage", "down", "production down", "emergency"},
			AbuseLexicon:             []string{}, // populated from an operator-managed lexicon file in prod
			EnterprisePricingTerms:   []string{"enterprise pricing", "enterprise tier", "enterprise plan", "volume discount"},
			SchedulingVerbs:          []string{"book", "schedule", "demo", "meeting", "call"},
			DisambiguationQualifiers: []string{"what is", "what's", "tell me about", "how long is", "explain"},
			ErrorKeywords:            []string{"500", "error", "failing", "down", "crash", "broken"},
			Rules:                    map[string]string{},
		},

		EnableCronSweep:  false,
		CronSweepExpr:    "*/15 * * * *",
		UnclaimedTimeout: 2 * time.Hour,
	}
}

// FromEnv overlays environment variables onto a base Config, mirroring the
// teacher's profile.FromEnv style (env wins when set, otherwise the base
// value — typically Default() — is kept).
func (c *Config) FromEnv() {
	c.Mode = getEnvOrDefault("DISPATCHER_MODE", c.Mode)
	c.Addr = getEnvOrDefault("DISPATCHER_ADDR", c.Addr)
	c.Port = getEnvOrDefaultInt("DISPATCHER_PORT", c.Port)
	c.Driver = getEnvOrDefault("DISPATCHER_DRIVER", c.Driver)
	c.DSN = getEnvOrDefault("DISPATCHER_DSN", c.DSN)

	c.LLMProvider = getEnvOrDefault("DISPATCHER_LLM_PROVIDER", c.LLMProvider)
	c.LLMAPIKey = getEnvOrDefault("DISPATCHER_LLM_API_KEY", c.LLMAPIKey)
	c.LLMBaseURL = getEnvOrDefault("DISPATCHER_LLM_BASE_URL", c.LLMBaseURL)
	c.LLMModel = getEnvOrDefault("DISPATCHER_LLM_MODEL", c.LLMModel)

	c.EmbeddingModel = getEnvOrDefault("DISPATCHER_EMBEDDING_MODEL", c.EmbeddingModel)
	c.EmbeddingAPIKey = getEnvOrDefault("DISPATCHER_EMBEDDING_API_KEY", c.EmbeddingAPIKey)
	c.EmbeddingBaseURL = getEnvOrDefault("DISPATCHER_EMBEDDING_BASE_URL", c.EmbeddingBaseURL)

	c.SlackBotToken = getEnvOrDefault("DISPATCHER_SLACK_BOT_TOKEN", c.SlackBotToken)
	c.SlackSigningSecret = getEnvOrDefault("DISPATCHER_SLACK_SIGNING_SECRET", c.SlackSigningSecret)
	c.SlackChannelID = getEnvOrDefault("DISPATCHER_SLACK_CHANNEL_ID", c.SlackChannelID)

	c.CalendarClientID = getEnvOrDefault("DISPATCHER_CALENDAR_CLIENT_ID", c.CalendarClientID)
	c.CalendarClientSecret = getEnvOrDefault("DISPATCHER_CALENDAR_CLIENT_SECRET", c.CalendarClientSecret)
	c.CalendarTokenURL = getEnvOrDefault("DISPATCHER_CALENDAR_TOKEN_URL", c.CalendarTokenURL)
	c.CalendarOrganiserTZ = getEnvOrDefault("DISPATCHER_CALENDAR_TZ", c.CalendarOrganiserTZ)

	c.WebchatJWTSecret = getEnvOrDefault("DISPATCHER_WEBCHAT_JWT_SECRET", c.WebchatJWTSecret)
	c.PublicAPISecret = getEnvOrDefault("DISPATCHER_PUBLIC_API_SECRET", c.PublicAPISecret)
	c.PublicAPICallbackURL = getEnvOrDefault("DISPATCHER_PUBLIC_API_CALLBACK_URL", c.PublicAPICallbackURL)
	c.TelegramBotToken = getEnvOrDefault("DISPATCHER_TELEGRAM_BOT_TOKEN", c.TelegramBotToken)

	c.CredentialMasterSecret = getEnvOrDefault("DISPATCHER_CREDENTIAL_MASTER_SECRET", c.CredentialMasterSecret)
}

// Validate checks required fields for the chosen driver and mode.
func (c *Config) Validate() error {
	if c.Driver != "postgres" && c.Driver != "sqlite" {
		return fmt.Errorf("unsupported driver %q: must be postgres or sqlite", c.Driver)
	}
	if c.Mode == "prod" && c.DSN == "" {
		return fmt.Errorf("dsn is required in prod mode")
	}
	if c.Mode == "prod" && c.CredentialMasterSecret == "" {
		return fmt.Errorf("credential master secret is required in prod mode")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Mode != "prod"
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if iv, err := strconv.Atoi(v); err == nil {
			return iv
		}
	}
	return defaultValue
}

// ParseBool mirrors the teacher's loose env-bool convention ("true"/"1"/"yes",
// case-insensitive).
func ParseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes"
}
