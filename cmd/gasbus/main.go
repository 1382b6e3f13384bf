package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/gasbus/cmd/gasbus/console"
	"github.com/mklimuk/gasbus/pkg/config"
	"github.com/mklimuk/gasbus/snsctx"
)

var commit string
var date string

var cfg = config.Default()

func main() {
	os.Exit(run())
}

func run() int {
	app := cli.NewApp()
	app.Name = "gasbus"
	app.EnableBashCompletion = true
	app.Version = fmt.Sprintf("%s-%s-%s", config.Version, date, commit)
	app.Usage = "SGP30 gas sensor on a bit-banged I2C bus"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "enable verbose logging and frame dumps",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to the YAML configuration",
			EnvVars: []string{"GASBUS_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "backend",
			Usage: "override the bus backend (periph, gpiocdev, nanopi, mcp2221-gp, mcp23017, sim, i2c, mcp2221, nanopi-i2c)",
		},
		&cli.IntFlag{
			Name:  "frequency",
			Usage: "override the bus clock in Hz",
		},
		&cli.StringFlag{
			Name:  "ack-policy",
			Usage: "override what a refused byte does: enforce or ignore",
		},
	}
	app.Before = func(c *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stdout, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if c.Bool("verbose") {
			charm.SetLevel(chlog.DebugLevel)
		}
		slog.SetDefault(slog.New(charm))
		return loadConfig(c)
	}
	app.Commands = cli.Commands{
		&initCmd,
		&writeCmd,
		&readCmd,
		&measureCmd,
		&rawCmd,
		&baselineCmd,
		&humidityCmd,
		&serialCmd,
		&scanCmd,
		&resetCmd,
		&configCmd,
		&usbCmd,
		&mcp2221Cmd,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := app.RunContext(ctx, os.Args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			log.Printf("unexpected error: %v", err)
			return exerr.ExitCode()
		}
		log.Printf("unexpected error: %v", err)
		return 1
	}
	return 0
}

func loadConfig(c *cli.Context) error {
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return console.Fail("configuration error", err)
		}
		cfg = loaded
	}
	if c.IsSet("backend") {
		cfg.Bus.Backend = c.String("backend")
	}
	if c.IsSet("frequency") {
		cfg.Bus.FrequencyHz = c.Int("frequency")
	}
	if c.IsSet("ack-policy") {
		cfg.Sensor.AckPolicy = c.String("ack-policy")
	}
	return nil
}

// commandContext carries the verbose flag down to the transports.
func commandContext(c *cli.Context) context.Context {
	return snsctx.SetVerbose(c.Context, c.Bool("verbose"))
}

// withSession opens the configured bus for one command and closes it after.
func withSession(c *cli.Context, fn func(ctx context.Context, s *session) error) error {
	ctx := commandContext(c)
	s, err := openSession(ctx, cfg)
	if err != nil {
		return console.Fail("bus initialization error", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			console.Errorf("error closing bus: %s", console.Red(err))
		}
	}()
	return fn(ctx, s)
}
