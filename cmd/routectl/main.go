// routectl inspects and controls routes from the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/markus-barta/routedeck/internal/config"
	"github.com/markus-barta/routedeck/internal/console"
	"github.com/markus-barta/routedeck/internal/lifecycle"
	"github.com/markus-barta/routedeck/internal/routes"
)

// errFailed marks a command whose outcome was already printed.
var errFailed = errors.New("command failed")

func main() {
	configFile := flag.String("config", "", "path to routedeck.yaml")
	output := flag.String("o", "table", "output format: table, json, yaml")
	verbose := flag.Bool("verbose", false, "log debug output to stderr")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("routectl %s\n", console.VersionInfo())
		return
	}
	if flag.NArg() == 0 {
		printUsage()
		os.Exit(2)
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Logger()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		cfg:    cfg,
		log:    log,
		format: *output,
		out:    os.Stdout,
		api: routes.NewClient(routes.ClientConfig{
			BaseURL:      cfg.APIURL,
			Tokens:       cfg.TokenProvider(),
			Timeout:      cfg.RequestTimeout,
			ActionMethod: cfg.ActionMethod,
		}),
	}

	if err := a.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "list":
		return a.list(ctx)
	case "show":
		if len(args) != 1 {
			return errors.New("usage: routectl show <route>")
		}
		return a.show(ctx, args[0])
	case "watch":
		return a.watch(ctx, args)
	case "start", "stop", "toggle", "restart", "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: routectl %s <route>", command)
		}
		return a.runAction(ctx, command, args[0], "")
	case "delete-destination":
		if len(args) != 2 {
			return errors.New("usage: routectl delete-destination <route> <destination>")
		}
		return a.runAction(ctx, command, args[0], args[1])
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// runAction runs one controller operation and prints its notifications.
func (a *app) runAction(ctx context.Context, command, routeID, destID string) error {
	ctrl := lifecycle.NewController(a.log, a.api, lifecycle.NotifierFunc(a.notify), nil)

	var res lifecycle.Result
	switch command {
	case "start":
		res = ctrl.Start(ctx, routeID)
	case "stop":
		res = ctrl.Stop(ctx, routeID)
	case "restart":
		res = ctrl.Restart(ctx, routeID)
	case "toggle":
		if load := ctrl.Load(ctx, routeID); !load.OK() {
			return errFailed
		}
		res = ctrl.Toggle(ctx, routeID)
	case "delete":
		res = ctrl.Delete(ctx, routeID)
	case "delete-destination":
		res = ctrl.DeleteDestination(ctx, routeID, destID)
	}

	if a.format != "table" {
		if err := a.encode(res); err != nil {
			return err
		}
	}
	if !res.OK() && !res.Reconciled() {
		return errFailed
	}
	return nil
}

func (a *app) notify(n lifecycle.Notification) {
	fmt.Fprintf(os.Stderr, "%s %s\n", n.Level.Icon(), n.Message)
}

func printUsage() {
	fmt.Printf(`Usage: routectl [options] <command> [args]

routectl %s - inspect and control media routes.

Commands:
  list                                  List routes
  show <route>                          Show a route and its destinations
  watch [-count N] <route>              Follow live statistics
  start | stop | toggle | restart <route>
  delete <route>                        Delete a route
  delete-destination <route> <dest>     Delete one destination

Options:
  -config FILE    Config file (default: routedeck.yaml in ., ./config, /etc/routedeck/)
  -o FORMAT       Output format: table, json, yaml (default table)
  -verbose        Log debug output to stderr
  -version        Print version and exit

Configuration uses the same ROUTEDECK_* environment variables as routedeck.
`, console.VersionInfo())
}
