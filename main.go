package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"orthotiles/internal/config"
	"orthotiles/internal/logger"
)

const usage = `orthotiles - orthophoto tile acquisition and stitching

Usage:
  orthotiles [--settings FILE] <command> [arguments]

Commands:
  acquire     download (and optionally stitch) an area or grid square
  grid        add, list, delete or derive grid squares
  airports    airport cache status, list and refresh
  serve       serve cached tiles over local HTTP
  cache       tile cache stats and clear
  sources     list, add, remove or import (WMTS) imagery sources
  settings    show settings or the settings path
  queue       manage the persistent job queue
`

type command func(ctx context.Context, a *App, args []string) error

var commands = map[string]command{
	"acquire":  cmdAcquire,
	"grid":     cmdGrid,
	"airports": cmdAirports,
	"serve":    cmdServe,
	"cache":    cmdCache,
	"sources":  cmdSources,
	"settings": cmdSettings,
	"queue":    cmdQueue,
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	env := os.Getenv(config.EnvPrefix + "_ENV")
	if env == "" {
		env = "development"
	}
	log := logger.New(env)

	global := flag.NewFlagSet("orthotiles", flag.ContinueOnError)
	global.SetInterspersed(false)
	settingsPath := global.String("settings", "", "settings file (default "+config.GetSettingsPath()+")")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, *settingsPath, log)
	if err != nil {
		log.Error("[Main] Failed to start", err, nil)
		os.Exit(1)
	}

	err = cmd(ctx, app, args[1:])
	app.Close()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Error("[Main] "+args[0]+" failed", err, nil)
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// subcommand splits "name rest..." and reports a usage error for unknown names
func subcommand(group string, args []string, names ...string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%s: missing subcommand, one of %v", group, names)
	}
	for _, n := range names {
		if args[0] == n {
			return n, args[1:], nil
		}
	}
	return "", nil, fmt.Errorf("%s: unknown subcommand %q, one of %v", group, args[0], names)
}
