// Command dispatcherd runs the AI-augmented customer-support dispatcher:
// the HTTP surface, the orchestrator pipeline, and (optionally) the
// abandoned-ticket sweep, wired together from internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"

	"github.com/Pavilion-devs/slack-agent/dispatch/escalation"
	"github.com/Pavilion-devs/slack-agent/dispatch/intent"
	"github.com/Pavilion-devs/slack-agent/dispatch/retrieval"
	"github.com/Pavilion-devs/slack-agent/dispatch/scheduling"
	"github.com/Pavilion-devs/slack-agent/internal/calendar"
	"github.com/Pavilion-devs/slack-agent/internal/config"
	"github.com/Pavilion-devs/slack-agent/internal/cronsweep"
	"github.com/Pavilion-devs/slack-agent/internal/llm"
	"github.com/Pavilion-devs/slack-agent/internal/metrics"
	"github.com/Pavilion-devs/slack-agent/internal/retry"
	"github.com/Pavilion-devs/slack-agent/internal/vectorindex"
	"github.com/Pavilion-devs/slack-agent/orchestrator"
	"github.com/Pavilion-devs/slack-agent/relay"
	"github.com/Pavilion-devs/slack-agent/server"
	"github.com/Pavilion-devs/slack-agent/store"
	"github.com/Pavilion-devs/slack-agent/store/postgres"
	"github.com/Pavilion-devs/slack-agent/store/sqlite"
	"github.com/Pavilion-devs/slack-agent/surface"
	"github.com/Pavilion-devs/slack-agent/surface/publicapi"
	"github.com/Pavilion-devs/slack-agent/surface/telegram"
	"github.com/Pavilion-devs/slack-agent/surface/webchat"
	"github.com/Pavilion-devs/slack-agent/workspace"
	"github.com/Pavilion-devs/slack-agent/workspace/slack"
)

var rootCmd = &cobra.Command{
	Use:   "dispatcherd",
	Short: "An AI-augmented customer-support dispatcher that escalates to a human workspace when it isn't confident.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: run,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of server: "prod", "dev", or "demo"`)
	flags.String("addr", "", "address of server")
	flags.Int("port", 8081, "port of server")
	flags.String("unix-sock", "", "path to the unix socket, overrides --addr and --port")
	flags.String("driver", "postgres", "database driver (postgres, sqlite)")
	flags.String("dsn", "", "database source name (DSN)")

	flags.String("llm-provider", "openai", "LLM provider name")
	flags.String("llm-api-key", "", "LLM provider API key")
	flags.String("llm-base-url", "", "LLM provider base URL (empty uses the provider default)")
	flags.String("llm-model", "gpt-4o-mini", "model used for intent classification and answer generation")
	flags.String("embedding-model", "text-embedding-3-small", "model used for retrieval embeddings")
	flags.String("embedding-api-key", "", "embedding provider API key (used only when llm-api-key is empty; one client serves both)")
	flags.String("embedding-base-url", "", "embedding provider base URL (used only when llm-base-url is empty)")

	flags.String("slack-bot-token", "", "Slack bot OAuth token")
	flags.String("slack-signing-secret", "", "Slack request signing secret")
	flags.String("slack-channel-id", "", "Slack channel tickets are posted into")

	flags.String("calendar-client-id", "", "organiser calendar OAuth2 client ID")
	flags.String("calendar-client-secret", "", "organiser calendar OAuth2 client secret")
	flags.String("calendar-token-url", "", "organiser calendar OAuth2 token URL")
	flags.String("calendar-base-url", "", "organiser calendar API base URL")
	flags.String("calendar-tz", "America/New_York", "organiser calendar timezone")

	flags.String("webchat-jwt-secret", "", "webchat session token signing secret")
	flags.String("public-api-secret", "", "public API shared secret")
	flags.String("public-api-callback-url", "", "default callback URL public API replies are POSTed to")
	flags.String("telegram-bot-token", "", "Telegram bot token")
	flags.String("credential-master-secret", "", "master secret credentials are encrypted under")

	flags.Bool("enable-cron-sweep", false, "enable the abandoned-ticket timeout sweep")
	flags.String("cron-sweep-expr", "*/15 * * * *", "cron expression for the abandoned-ticket sweep")
	flags.Duration("unclaimed-timeout", 2*time.Hour, "age at which an unclaimed escalation is considered abandoned")

	flags.VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})

	viper.SetEnvPrefix("dispatcher")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func run(_ *cobra.Command, _ []string) {
	cfg := config.Default()
	cfg.Mode = viper.GetString("mode")
	cfg.Addr = viper.GetString("addr")
	cfg.Port = viper.GetInt("port")
	cfg.Driver = viper.GetString("driver")
	cfg.DSN = viper.GetString("dsn")

	cfg.LLMProvider = viper.GetString("llm-provider")
	cfg.LLMAPIKey = viper.GetString("llm-api-key")
	cfg.LLMBaseURL = viper.GetString("llm-base-url")
	cfg.LLMModel = viper.GetString("llm-model")
	cfg.EmbeddingModel = viper.GetString("embedding-model")
	cfg.EmbeddingAPIKey = viper.GetString("embedding-api-key")
	cfg.EmbeddingBaseURL = viper.GetString("embedding-base-url")

	cfg.SlackBotToken = viper.GetString("slack-bot-token")
	cfg.SlackSigningSecret = viper.GetString("slack-signing-secret")
	cfg.SlackChannelID = viper.GetString("slack-channel-id")

	cfg.CalendarClientID = viper.GetString("calendar-client-id")
	cfg.CalendarClientSecret = viper.GetString("calendar-client-secret")
	cfg.CalendarTokenURL = viper.GetString("calendar-token-url")
	cfg.CalendarOrganiserTZ = viper.GetString("calendar-tz")

	cfg.WebchatJWTSecret = viper.GetString("webchat-jwt-secret")
	cfg.PublicAPISecret = viper.GetString("public-api-secret")
	cfg.PublicAPICallbackURL = viper.GetString("public-api-callback-url")
	cfg.TelegramBotToken = viper.GetString("telegram-bot-token")
	cfg.CredentialMasterSecret = viper.GetString("credential-master-secret")

	cfg.EnableCronSweep = viper.GetBool("enable-cron-sweep")
	cfg.CronSweepExpr = viper.GetString("cron-sweep-expr")
	cfg.UnclaimedTimeout = viper.GetDuration("unclaimed-timeout")

	cfg.FromEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, terminationSignals...)
	go func() {
		<-c
		cancel()
	}()

	if err := runServer(ctx, cfg, viper.GetString("calendar-base-url")); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("dispatcherd exited with error", "error", err)
		os.Exit(1)
	}
}

// runServer builds the full dependency graph and serves until ctx is
// cancelled by a termination signal, returning once the listener has shut
// down.
func runServer(ctx context.Context, cfg config.Config, calendarBaseURL string) error {
	driver, err := newDriver(cfg)
	if err != nil {
		printDatabaseError(err, cfg)
		return fmt.Errorf("dispatcherd: open database: %w", err)
	}
	if err := driver.Migrate(ctx); err != nil {
		return fmt.Errorf("dispatcherd: migrate: %w", err)
	}
	st := store.New(driver)
	defer st.Close()

	metricsExporter := metrics.New(prometheus.NewRegistry())

	llmRetry := retry.NewPolicy(3, 250*time.Millisecond, 5*time.Second, 5, 10)
	llmClient := llm.NewOpenAIClient(
		firstNonEmpty(cfg.LLMAPIKey, cfg.EmbeddingAPIKey),
		firstNonEmpty(cfg.LLMBaseURL, cfg.EmbeddingBaseURL),
		cfg.EmbeddingModel,
		llmRetry,
	)

	classifier, err := intent.New(intent.Config{
		Categories:    cfg.Categories,
		LLM:           llmClient,
		SemanticModel: llm.ModelConfig{Model: cfg.LLMModel, MaxTokens: 256, Temperature: 0},
		CacheConfig:   intent.DefaultCacheConfig(),
		Metrics:       metricsExporter,
	})
	if err != nil {
		return fmt.Errorf("dispatcherd: build classifier: %w", err)
	}

	index, dedup := vectorBackendsFor(driver)
	answerer := retrieval.New(retrieval.Config{
		Index:      index,
		LLM:        llmClient,
		Dedup:      dedup,
		Thresholds: cfg.Thresholds,
		Model:      llm.ModelConfig{Model: cfg.LLMModel, MaxTokens: 500, Temperature: 0.2},
		Metrics:    metricsExporter,
	})

	calendarRetry := retry.NewPolicy(3, 200*time.Millisecond, 2*time.Second, 5, 10)
	workspaceRetry := retry.NewPolicy(3, 200*time.Millisecond, 2*time.Second, 5, 10)
	calendarProvider := newCalendarProvider(ctx, cfg, calendarBaseURL)
	slotProvider := scheduling.NewSlotProvider(scheduling.Config{
		Calendar: calendarProvider,
		Rules:    cfg.Scheduling,
		Retry:    calendarRetry,
	})
	booking := scheduling.NewExecutor(calendarProvider, calendarRetry, cfg.Scheduling.Buffer)

	tickets := escalation.New(10)

	senders := surface.NewRegistry()
	webchatSender := webchat.NewSender()
	senders.Register(store.SurfaceWebchat, webchatSender)
	senders.Register(store.SurfacePublicAPI, publicapi.NewSender(http.DefaultClient, publicAPIResolver(cfg)))

	var telegramAdapter *telegram.Adapter
	if cfg.TelegramBotToken != "" {
		telegramAdapter, err = telegram.New(cfg.TelegramBotToken)
		if err != nil {
			return fmt.Errorf("dispatcherd: build telegram adapter: %w", err)
		}
		senders.Register(store.SurfaceTelegram, telegramAdapter)
	}

	var workspaceAdapter workspace.Adapter
	var slackAdapter *slack.Adapter
	if cfg.SlackBotToken != "" {
		slackAdapter = slack.New(cfg.SlackBotToken, cfg.SlackChannelID)
		workspaceAdapter = slackAdapter
	} else {
		workspaceAdapter = noopWorkspaceAdapter{}
	}

	orch := orchestrator.New(orchestrator.Config{
		Classifier:     classifier,
		Retrieval:      answerer,
		Slots:          slotProvider,
		Booking:        booking,
		Tickets:        tickets,
		Workspace:      workspaceAdapter,
		Senders:        senders,
		Store:          st,
		Categories:     cfg.Categories,
		Thresholds:     cfg.Thresholds,
		Metrics:        metricsExporter,
		WorkspaceRetry: workspaceRetry,
	})

	hub := relay.New(relay.Config{
		Store:          st,
		Senders:        senders,
		Workspace:      workspaceAdapter,
		Inbox:          workspace.NewMemoryInbox(),
		Turns:          orch,
		WorkspaceRetry: workspaceRetry,
	})

	srv := server.NewServer(server.Config{
		Profile:  cfg,
		Hub:      hub,
		Store:    st,
		Metrics:  metricsExporter,
		Telegram: telegramAdapter,
		Slack:    slackAdapter,
	})

	if cfg.EnableCronSweep {
		sweeper := cronsweep.New(cfg.CronSweepExpr, cfg.UnclaimedTimeout, st, func(sweepCtx context.Context, sessions []*store.Session) {
			for _, sess := range sessions {
				slog.Warn("dispatcherd: session abandoned past timeout", "session_id", sess.SessionID, "escalated_at", sess.EscalatedAt)
			}
		})
		go sweeper.Run(ctx)
	}

	printGreetings(cfg)

	return srv.Start(ctx, cfg.Addr, cfg.Port, viper.GetString("unix-sock"))
}

func newDriver(cfg config.Config) (store.Driver, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.NewDB(cfg.DSN)
	case "sqlite":
		path := cfg.DSN
		if path == "" {
			path = "dispatcher.db"
		}
		return sqlite.NewDB(path)
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

// vectorBackendsFor returns the vectorindex.Index and retrieval.DedupStore
// backed by driver, or a nil DedupStore on sqlite where no turn-embedding
// table exists.
func vectorBackendsFor(driver store.Driver) (vectorindex.Index, retrieval.DedupStore) {
	switch d := driver.(type) {
	case *postgres.DB:
		return d, d
	case *sqlite.DB:
		return d, nil
	default:
		return nil, nil
	}
}

func newCalendarProvider(ctx context.Context, cfg config.Config, baseURL string) calendar.Provider {
	oauthCfg := calendar.OAuthConfig{
		ClientID:     cfg.CalendarClientID,
		ClientSecret: cfg.CalendarClientSecret,
		TokenURL:     cfg.CalendarTokenURL,
	}
	var src oauth2.TokenSource
	if cfg.CalendarClientID != "" {
		src = oauthCfg.TokenSource(ctx)
	}
	client := calendar.NewAuthorizedClient(ctx, src)
	return calendar.NewHTTPProvider(baseURL, client)
}

func publicAPIResolver(cfg config.Config) publicapi.CallbackResolver {
	return func(string) (string, bool) {
		if cfg.PublicAPICallbackURL == "" {
			return "", false
		}
		return cfg.PublicAPICallbackURL, true
	}
}

// noopWorkspaceAdapter is used when no workspace integration is configured;
// escalations are logged instead of posted anywhere.
type noopWorkspaceAdapter struct{}

func (noopWorkspaceAdapter) PostTicket(_ context.Context, ticket escalation.Ticket) (workspace.ThreadKey, error) {
	slog.Warn("dispatcherd: no workspace adapter configured, dropping ticket", "title", ticket.Title, "reason", ticket.Reason)
	return workspace.ThreadKey(ticket.Title), nil
}

func (noopWorkspaceAdapter) EditTicket(context.Context, workspace.ThreadKey, string, []escalation.Action) error {
	return nil
}

func (noopWorkspaceAdapter) PostThreadMessage(context.Context, workspace.ThreadKey, string, string) error {
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func printGreetings(cfg config.Config) {
	fmt.Println("dispatcherd started successfully!")
	if cfg.IsDev() {
		fmt.Fprintln(os.Stderr, "Development mode is enabled")
	}
	fmt.Printf("Database driver: %s\n", cfg.Driver)
	fmt.Printf("Mode: %s\n", cfg.Mode)
	if cfg.Addr == "" {
		fmt.Printf("Server listening on port %d\n", cfg.Port)
	} else {
		fmt.Printf("Server listening on %s:%d\n", cfg.Addr, cfg.Port)
	}
}

func printDatabaseError(err error, cfg config.Config) {
	fmt.Fprintln(os.Stderr, "\nDatabase connection failed")
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no such host"):
		fmt.Fprintln(os.Stderr, "PostgreSQL is not reachable at the configured DSN.")
		if cfg.Driver == "postgres" {
			fmt.Fprintln(os.Stderr, "Start PostgreSQL, or pass --driver sqlite --dsn ./dispatcher.db for local development.")
		}
	default:
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("dispatcherd failed", "error", err)
		os.Exit(1)
	}
}
