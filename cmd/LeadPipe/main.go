package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/gateway"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/notify"
	"github.com/BTreeMap/LeadPipe/internal/responder"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LeadPipe state data
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "leadpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultOutboxPollInterval is how often queued operator alerts are retried
	DefaultOutboxPollInterval = 5 * time.Second
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping LeadPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", flags.StateDir, "dsn_type", store.DetectDSNType(flags.DatabaseDSN), "api_addr", flags.APIAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("LeadPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LeadPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseDSN     string
	WhatsAppDBDSN   string
	APIAddr         string
	LogLevel        string
	OpenAIKey       string
	OpenAIModel     string
	GeminiKey       string
	GeminiModel     string
	GenAIProvider   string
	GenAIDebug      bool
	Temperature     float64
	GenAITimeout    time.Duration
	HistoryLimit    int
	PolicyFile      string
	ResendKey       string
	EmailFrom       string
	EmailTo         []string
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	OperatorPhone   string
	WhatsAppAlerts  bool
	SpecialistPhone string
	AdminToken      string
	AllowedOrigins  []string
}

// Flags holds command line flag values, already merged with the environment
type Flags struct {
	QROutput       string
	Numeric        bool
	StateDir       string
	DatabaseDSN    string
	APIAddr        string
	OpenAIKey      string
	GeminiKey      string
	GenAIProvider  string
	AdminToken     string
	WhatsAppAlerts bool
	GenAIDebug     bool
}

// parseLogLevel maps LOG_LEVEL to a slog level. Unknown values mean debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// initializeLogger sets up structured logging on stdout
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:        util.GetEnv("LEADPIPE_STATE_DIR", DefaultStateDir),
		DatabaseDSN:     os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:         util.GetEnv("API_ADDR", api.DefaultAddr),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		GeminiKey:       os.Getenv("GEMINI_API_KEY"),
		GeminiModel:     os.Getenv("GEMINI_MODEL"),
		GenAIProvider:   strings.ToLower(os.Getenv("GENAI_PROVIDER")),
		GenAIDebug:      util.ParseBoolEnv("GENAI_DEBUG", false),
		Temperature:     util.ParseFloatEnv("GENAI_TEMPERATURE", responder.DefaultTemperature),
		GenAITimeout:    util.ParseDurationEnv("GENAI_TIMEOUT", responder.DefaultTimeout),
		HistoryLimit:    util.ParseIntEnv("CHAT_HISTORY_LIMIT", 0),
		PolicyFile:      os.Getenv("RESPONDER_POLICY_FILE"),
		ResendKey:       os.Getenv("RESEND_API_KEY"),
		EmailFrom:       os.Getenv("LEAD_EMAIL_FROM"),
		EmailTo:         splitList(os.Getenv("LEAD_EMAIL_TO")),
		TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:      os.Getenv("TWILIO_FROM_NUMBER"),
		OperatorPhone:   os.Getenv("OPERATOR_PHONE"),
		WhatsAppAlerts:  util.ParseBoolEnv("WHATSAPP_ALERTS", false),
		SpecialistPhone: util.GetEnv("SPECIALIST_PHONE", responder.DefaultSpecialistPhone),
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
		AllowedOrigins:  splitList(os.Getenv("ALLOWED_ORIGINS")),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("environment variables loaded",
		"LEADPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_type", store.DetectDSNType(config.DatabaseDSN),
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"GENAI_PROVIDER", config.GenAIProvider,
		"RESEND_API_KEY_SET", config.ResendKey != "",
		"LEAD_EMAIL_TO", len(config.EmailTo),
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"OPERATOR_PHONE_SET", config.OperatorPhone != "",
		"WHATSAPP_ALERTS", config.WhatsAppAlerts,
		"ADMIN_TOKEN_SET", config.AdminToken != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var flags Flags
	fs.StringVar(&flags.QROutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&flags.Numeric, "numeric-code", false, "use numeric WhatsApp login code instead of QR code")
	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for LeadPipe data (overrides $LEADPIPE_STATE_DIR)")
	fs.StringVar(&flags.DatabaseDSN, "db-dsn", config.DatabaseDSN, "database DSN or file path (overrides $DATABASE_URL)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.GeminiKey, "gemini-api-key", config.GeminiKey, "Gemini API key (overrides $GEMINI_API_KEY)")
	fs.StringVar(&flags.GenAIProvider, "genai-provider", config.GenAIProvider, "gemini or openai (overrides $GENAI_PROVIDER)")
	fs.StringVar(&flags.AdminToken, "admin-token", config.AdminToken, "bearer token for operator endpoints (overrides $ADMIN_TOKEN)")
	fs.BoolVar(&flags.WhatsAppAlerts, "whatsapp-alerts", config.WhatsAppAlerts, "send operator alerts over WhatsApp (overrides $WHATSAPP_ALERTS)")
	fs.BoolVar(&flags.GenAIDebug, "genai-debug", config.GenAIDebug, "record generator calls under the state directory (overrides $GENAI_DEBUG)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"qrOutput", flags.QROutput,
		"numeric", flags.Numeric,
		"stateDir", flags.StateDir,
		"dbDSN_set", flags.DatabaseDSN != "",
		"apiAddr", flags.APIAddr,
		"genaiProvider", flags.GenAIProvider,
		"whatsappAlerts", flags.WhatsAppAlerts)

	// Follow a changed state directory when the DSN is still the default SQLite path
	if flags.DatabaseDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) && flags.StateDir != config.StateDir {
		flags.DatabaseDSN = filepath.Join(flags.StateDir, DefaultAppDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", flags.StateDir)
	}
	return flags, nil
}

// ensureDirectoriesExist creates the directory of a file-based database
func ensureDirectoriesExist(flags Flags) error {
	switch store.DetectDSNType(flags.DatabaseDSN) {
	case store.DSNTypeSQLite, store.DSNTypeBolt:
	default:
		return nil
	}
	path := strings.TrimPrefix(flags.DatabaseDSN, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	slog.Debug("Creating state directory for file-based database", "state_dir", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	switch store.DetectDSNType(flags.DatabaseDSN) {
	case store.DSNTypeBolt:
		storeOpts = append(storeOpts, store.WithBoltTimeout(5*time.Second))
	case store.DSNTypeMongo:
		storeOpts = append(storeOpts, store.WithMongoTimeout(10*time.Second))
		if db := os.Getenv("MONGO_DATABASE"); db != "" {
			storeOpts = append(storeOpts, store.WithMongoDatabase(db))
		}
	}
	return storeOpts
}

// buildGenerator picks the text generation backend. Gemini wins unless the provider is forced
// to openai; without any key the responder runs without a generator.
func buildGenerator(ctx context.Context, config Config, flags Flags) (genai.Generator, error) {
	debug := genai.WithDebugMode(flags.GenAIDebug, flags.StateDir)
	if flags.GeminiKey != "" && flags.GenAIProvider != "openai" {
		opts := []genai.Option{genai.WithAPIKey(flags.GeminiKey), debug}
		if config.GeminiModel != "" {
			opts = append(opts, genai.WithModel(config.GeminiModel))
		}
		return genai.NewGeminiClient(ctx, opts...)
	}
	if flags.OpenAIKey != "" && flags.GenAIProvider != "gemini" {
		opts := []genai.Option{genai.WithAPIKey(flags.OpenAIKey), debug}
		if config.OpenAIModel != "" {
			opts = append(opts, genai.WithModel(config.OpenAIModel))
		}
		return genai.NewOpenAIClient(opts...)
	}
	slog.Warn("No generator API key configured, the chat will answer with the apology message")
	return nil, nil
}

// buildResponderOptions constructs responder configuration options
func buildResponderOptions(config Config) []responder.Option {
	business := responder.DefaultBusiness()
	business.SpecialistPhone = config.SpecialistPhone
	opts := []responder.Option{
		responder.WithBusiness(business),
		responder.WithTemperature(config.Temperature),
		responder.WithTimeout(config.GenAITimeout),
		responder.WithHistoryLimit(config.HistoryLimit),
	}
	if config.PolicyFile != "" {
		opts = append(opts, responder.WithPolicyFile(config.PolicyFile))
	}
	return opts
}

// buildNotifierOptions constructs the lead notification channels. Channels that fail to
// initialize are logged and skipped. The returned cleanup releases the WhatsApp session.
func buildNotifierOptions(ctx context.Context, config Config, flags Flags) ([]notify.Option, func()) {
	var opts []notify.Option
	cleanup := func() {}

	if config.ResendKey != "" {
		email, err := notify.NewResendClient(notify.WithResendAPIKey(config.ResendKey))
		if err != nil {
			slog.Error("Failed to create email client, lead submissions will fail", "error", err)
		} else {
			opts = append(opts, notify.WithEmail(email, config.EmailFrom, config.EmailTo...))
		}
	} else {
		slog.Warn("RESEND_API_KEY not set, lead submissions will fail")
	}

	if config.OperatorPhone == "" {
		return opts, cleanup
	}
	opts = append(opts, notify.WithOperatorPhone(config.OperatorPhone))

	if config.TwilioSID != "" {
		sms, err := notify.NewTwilioClient(
			notify.WithAccountSID(config.TwilioSID),
			notify.WithAuthToken(config.TwilioToken),
			notify.WithFromNumber(config.TwilioFrom))
		if err != nil {
			slog.Error("Failed to create SMS client, SMS alerts disabled", "error", err)
		} else {
			opts = append(opts, notify.WithSMS(sms))
		}
	}

	if flags.WhatsAppAlerts {
		waOpts := []notify.WhatsAppOption{notify.WithWhatsAppDBDSN(config.WhatsAppDBDSN)}
		if flags.QROutput != "" {
			waOpts = append(waOpts, notify.WithQRCodeOutput(flags.QROutput))
		}
		if flags.Numeric {
			waOpts = append(waOpts, notify.WithNumericCode())
		}
		wa, err := notify.NewWhatsAppClient(ctx, waOpts...)
		if err != nil {
			slog.Error("Failed to create WhatsApp client, WhatsApp alerts disabled", "error", err)
		} else {
			opts = append(opts, notify.WithWhatsApp(wa))
			cleanup = wa.Close
		}
	}
	return opts, cleanup
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithSpecialistPhone(config.SpecialistPhone),
		api.WithAllowedOrigins(config.AllowedOrigins),
	}
	if flags.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.APIAddr))
	}
	if flags.AdminToken != "" {
		apiOpts = append(apiOpts, api.WithAdminToken(flags.AdminToken))
	}
	return apiOpts
}

// needsStateLock reports whether this process keeps files in the state directory.
func needsStateLock(flags Flags) bool {
	switch store.DetectDSNType(flags.DatabaseDSN) {
	case store.DSNTypeSQLite, store.DSNTypeBolt:
		return true
	}
	return flags.WhatsAppAlerts
}

// run wires every module and serves until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	if needsStateLock(flags) {
		lock, err := lockfile.Acquire(flags.StateDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				slog.Warn("Failed to release state directory lock", "error", err)
			}
		}()
	}

	st, err := store.Open(ctx, flags.DatabaseDSN, buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	watcher := store.NewWatcher(st)
	defer func() {
		if err := watcher.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	gen, err := buildGenerator(ctx, config, flags)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}
	if gen != nil {
		slog.Info("Generator configured", "backend", gen.Name())
	}
	resp := responder.New(gen, buildResponderOptions(config)...)

	hubs := gateway.NewAccessor(func() *gateway.Hub {
		return gateway.NewHub(watcher, resp, gateway.WithAllowedOrigins(config.AllowedOrigins))
	})

	notifyOpts, cleanup := buildNotifierOptions(ctx, config, flags)
	defer cleanup()
	outbox, hasOutbox := watcher.Outbox()
	if hasOutbox {
		notifyOpts = append(notifyOpts, notify.WithOutbox(outbox))
	}
	notifier := notify.NewNotifier(notifyOpts...)

	server := api.NewServer(watcher, notifier, hubs, buildAPIOptions(config, flags)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if hasOutbox {
		sender := store.NewOutboxSender(outbox, notifier.Deliver, DefaultOutboxPollInterval)
		if err := sender.RecoverStaleMessages(ctx); err != nil {
			slog.Error("Failed to recover stale outbox messages", "error", err)
		}
		g.Go(func() error {
			sender.Run(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
