package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/CarePulse/internal/api"
	"github.com/BTreeMap/CarePulse/internal/genai"
	"github.com/BTreeMap/CarePulse/internal/lockfile"
	"github.com/BTreeMap/CarePulse/internal/store"
	"github.com/BTreeMap/CarePulse/internal/twiliowhatsapp"
	"github.com/BTreeMap/CarePulse/internal/util"
	"github.com/BTreeMap/CarePulse/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CarePulse state data
	DefaultStateDir = "/var/lib/carepulse"
	// DefaultWhatsAppDBFileName is the default whatsmeow SQLite database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the default bookkeeping SQLite database filename
	DefaultAppDBFileName = "carepulse.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Hold the state directory lock for the lifetime of the process so two
	// instances never share the same per-user documents.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	waOpts := buildWhatsAppOptions(flags)
	twilioOpts := buildTwilioOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping CarePulse with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "channel", *flags.channel, "api_addr", *flags.apiAddr)
	if err := api.Run(waOpts, twilioOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("CarePulse failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("CarePulse exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	WhatsAppDBDSN     string
	ApplicationDBDSN  string
	OpenAIKey         string
	TwilioSID         string
	TwilioToken       string
	TwilioFrom        string
	APIAddr           string
	Channel           string
	HeartbeatInterval time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	waDSN     *string
	appDSN    *string
	openaiKey *string
	apiAddr   *string
	channel   *string
	heartbeat *time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CAREPULSE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("CAREPULSE_STATE_DIR"),
		WhatsAppDBDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN:  os.Getenv("DATABASE_DSN"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		TwilioSID:         os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:       os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:        os.Getenv("TWILIO_FROM_NUMBER"),
		APIAddr:           os.Getenv("API_ADDR"),
		Channel:           os.Getenv("CAREPULSE_CHANNEL"),
		HeartbeatInterval: util.ParseDurationEnv("CAREPULSE_HEARTBEAT", 0),
	}

	// Legacy DATABASE_URL support
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CAREPULSE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		slog.Debug("No WhatsApp DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDBDSN)
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}

	slog.Debug("environment variables loaded",
		"CAREPULSE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_CONFIGURED", config.TwilioSID != "" && config.TwilioToken != "",
		"API_ADDR", config.APIAddr,
		"CAREPULSE_CHANNEL", config.Channel)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:  flag.String("qr-output", "", "path to write login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for CarePulse data (overrides $CAREPULSE_STATE_DIR)"),
		waDSN:     flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the WhatsApp session store (overrides $WHATSAPP_DB_DSN)"),
		appDSN:    flag.String("db-dsn", config.ApplicationDBDSN, "database DSN for delivery bookkeeping (overrides $DATABASE_DSN or $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:   flag.String("channel", config.Channel, "messaging channel: whatsapp or twilio (overrides $CAREPULSE_CHANNEL)"),
		heartbeat: flag.Duration("heartbeat", config.HeartbeatInterval, "schedule heartbeat interval (overrides $CAREPULSE_HEARTBEAT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"waDSN_set", *flags.waDSN != "",
		"appDSN_set", *flags.appDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel)

	// Keep file-based DSNs inside the state directory when it was overridden.
	if *flags.stateDir != config.StateDir {
		if *flags.waDSN == config.WhatsAppDBDSN {
			*flags.waDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
		if *flags.appDSN == config.ApplicationDBDSN {
			*flags.appDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	if store.DetectDSNType(*flags.appDSN) == "sqlite" && !strings.HasPrefix(*flags.appDSN, "file:") {
		dbDir := filepath.Dir(*flags.appDSN)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "db_dir", dbDir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options.
// Credentials are read from the environment by the Twilio client itself.
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDSN != "" {
		if store.DetectDSNType(*flags.appDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.appDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{api.WithStateDir(*flags.stateDir)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.channel != "" {
		apiOpts = append(apiOpts, api.WithChannel(*flags.channel))
	}
	if *flags.heartbeat > 0 {
		apiOpts = append(apiOpts, api.WithHeartbeatInterval(*flags.heartbeat))
	}
	return apiOpts
}
