// routedeck console server: route lifecycle control and live telemetry for
// operators.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/markus-barta/routedeck/internal/auth"
	"github.com/markus-barta/routedeck/internal/config"
	"github.com/markus-barta/routedeck/internal/console"
	"github.com/markus-barta/routedeck/internal/lifecycle"
	"github.com/markus-barta/routedeck/internal/routes"
	"github.com/markus-barta/routedeck/internal/telemetry"
)

func main() {
	configFile := flag.String("config", "", "path to routedeck.yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	runCheck := flag.Bool("check", false, "validate config and test backend connectivity")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("routedeck %s (built %s)\n", console.VersionInfo(), console.BuildTime)
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setLogLevel(cfg.LogLevel)

	tokens := cfg.TokenProvider()
	api := routes.NewClient(routes.ClientConfig{
		BaseURL:      cfg.APIURL,
		Tokens:       tokens,
		Timeout:      cfg.RequestTimeout,
		ActionMethod: cfg.ActionMethod,
	})

	if *runCheck {
		os.Exit(runConfigCheck(cfg, api))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = serve(ctx, cfg, api, tokens, log)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("shut down")
}

// openJournal is replaced in tests.
var openJournal = lifecycle.OpenJournal

// serve runs the console until ctx ends or the listener fails. The journal,
// when configured, is closed before serve returns.
func serve(ctx context.Context, cfg *config.Config, api routes.API, tokens auth.TokenProvider, log zerolog.Logger) error {
	stats := telemetry.NewClient(telemetry.Config{
		SocketURL:         cfg.SocketURL,
		Tokens:            tokens,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, log)

	deps := console.Deps{
		Config: cfg,
		API:    api,
		Feed:   telemetry.NewFollower(stats),
	}
	if cfg.DBPath != "" {
		journal, err := openJournal(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open action journal %s: %w", cfg.DBPath, err)
		}
		defer func() { _ = journal.Close() }()
		deps.Journal = journal
	}

	log.Info().
		Str("version", console.VersionInfo()).
		Str("api", cfg.APIURL).
		Str("socket", cfg.SocketURL).
		Bool("operator_login", cfg.HasOperatorLogin()).
		Bool("totp", cfg.HasTOTP()).
		Msg("routedeck starting")

	err := console.New(deps, log).Run(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// runConfigCheck lists routes once to prove the URL and credentials work.
func runConfigCheck(cfg *config.Config, api routes.API) int {
	fmt.Println("Configuration:")
	fmt.Printf("  api_url:        %s\n", cfg.APIURL)
	fmt.Printf("  socket_url:     %s\n", cfg.SocketURL)
	fmt.Printf("  action_method:  %s\n", cfg.ActionMethod)
	fmt.Printf("  login:          %v\n", cfg.UsesLogin())
	fmt.Printf("  journal:        %s\n", valueOr(cfg.DBPath, "disabled"))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	list, err := api.ListRoutes(ctx)
	if err != nil {
		fmt.Printf("\n✗ backend check failed: %v\n", err)
		return 1
	}
	fmt.Printf("\n✓ backend reachable, %d routes\n", len(list))
	return 0
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func printUsage() {
	fmt.Printf(`Usage: routedeck [options]

routedeck %s - operator console for media routes.

Options:
  -config FILE    Config file (default: routedeck.yaml in ., ./config, /etc/routedeck/)
  -v, -version    Print version and exit
  -check          Validate config and test backend connectivity

Environment variables (override the config file):
  ROUTEDECK_API_URL             Backend API base URL (default http://127.0.0.1:4000)
  ROUTEDECK_SOCKET_URL          Live-update socket URL (derived from API URL)
  ROUTEDECK_TOKEN               Backend bearer token
  ROUTEDECK_USERNAME            Backend login (instead of a token)
  ROUTEDECK_PASSWORD            Backend password
  ROUTEDECK_ACTION_METHOD       HTTP method for start/stop: GET or POST
  ROUTEDECK_LISTEN              Console listen address (default :8080)
  ROUTEDECK_PASSWORD_HASH       bcrypt hash of the operator password
  ROUTEDECK_TOTP_SECRET         TOTP secret required for deletes
  ROUTEDECK_DB_PATH             SQLite action journal path
  ROUTEDECK_LOG_LEVEL           debug, info, warn, error
`, console.VersionInfo())
}
