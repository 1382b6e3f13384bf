package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/gasbus/air"
	"github.com/mklimuk/gasbus/cmd/gasbus/console"
	"github.com/mklimuk/gasbus/softi2c"
)

var initCmd = cli.Command{
	Name:  "init",
	Usage: "start the air quality algorithm",
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, s *session) error {
			if err := s.sensor.InitializeDevice(ctx); err != nil {
				return console.Fail("initialization error", err)
			}
			console.PInfof(console.PictoFinish, "sensor at %#x initialized", s.sensor.Address())
			return nil
		})
	},
}

var writeCmd = cli.Command{
	Name:      "write",
	Usage:     "send a two byte command",
	ArgsUsage: "<hi> <lo>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return console.Exit(1, "expected 2 arguments, got %d", c.NArg())
		}
		hi, err := parseByte(c.Args().Get(0))
		if err != nil {
			return console.Fail("could not decode command", err)
		}
		lo, err := parseByte(c.Args().Get(1))
		if err != nil {
			return console.Fail("could not decode command", err)
		}
		return withSession(c, func(ctx context.Context, s *session) error {
			if err := s.sensor.WriteCommand(ctx, hi, lo); err != nil {
				return console.Fail("write error", err)
			}
			console.Infof("wrote %s", hexWord(uint32(hi)<<8|uint32(lo), 2))
			return nil
		})
	},
}

var readCmd = cli.Command{
	Name:    "read",
	Aliases: []string{"rd"},
	Usage:   "read four raw bytes",
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, s *session) error {
			v, err := s.sensor.ReadResult(ctx)
			if err != nil {
				return console.Fail("read error", err)
			}
			raw := binary.BigEndian.AppendUint32(nil, v)
			console.Printf("%s (%s)\n", console.White(hexWord(v, 4)), hex.EncodeToString(raw))
			return nil
		})
	},
}

var measureCmd = cli.Command{
	Name:  "measure",
	Usage: "initialize the sensor and print eCO2 and TVOC",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "time between measurements"},
		&cli.IntFlag{Name: "count", Value: 1, Usage: "number of measurements, 0 runs until interrupted"},
		&cli.Float64Flag{Name: "temperature", Usage: "ambient temperature in °C for humidity compensation"},
		&cli.Float64Flag{Name: "rh", Usage: "relative humidity in % for humidity compensation"},
	},
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, s *session) error {
			if err := s.sensor.InitializeDevice(ctx); err != nil {
				return console.Fail("initialization error", err)
			}
			if c.IsSet("temperature") && c.IsSet("rh") {
				abs := air.AbsoluteHumidity(c.Float64("temperature"), c.Float64("rh"))
				if err := s.sensor.SetHumidity(ctx, abs); err != nil {
					return console.Fail("humidity compensation error", err)
				}
			}
			count := c.Int("count")
			ticker := time.NewTicker(c.Duration("interval"))
			defer ticker.Stop()
			for i := 0; count == 0 || i < count; i++ {
				if i > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
				q, err := s.sensor.MeasureAirQuality(ctx)
				if err != nil {
					return console.Fail("measurement error", err)
				}
				console.PInfof(console.PictoTree, "eCO2 %s ppm, TVOC %s ppb",
					console.White(q.CO2eq), console.White(q.TVOC))
			}
			return nil
		})
	},
}

var rawCmd = cli.Command{
	Name:  "raw",
	Usage: "print the raw H2 and ethanol signals",
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, s *session) error {
			r, err := s.sensor.MeasureRaw(ctx)
			if err != nil {
				return console.Fail("measurement error", err)
			}
			console.Printf("H2: %s\nethanol: %s\n", console.White(r.H2), console.White(r.Ethanol))
			return nil
		})
	},
}

var baselineCmd = cli.Command{
	Name:  "baseline",
	Usage: "read or restore the algorithm baseline",
	Subcommands: []*cli.Command{
		{
			Name: "get",
			Action: func(c *cli.Context) error {
				return withSession(c, func(ctx context.Context, s *session) error {
					b, err := s.sensor.GetBaseline(ctx)
					if err != nil {
						return console.Fail("baseline error", err)
					}
					console.Printf("eCO2: %s\nTVOC: %s\n", hexWord(uint32(b.CO2eq), 2), hexWord(uint32(b.TVOC), 2))
					return nil
				})
			},
		},
		{
			Name:      "set",
			ArgsUsage: "<eco2> <tvoc>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return console.Exit(1, "expected 2 arguments, got %d", c.NArg())
				}
				co2, err := strconv.ParseUint(c.Args().Get(0), 0, 16)
				if err != nil {
					return console.Fail("could not parse eCO2 baseline", err)
				}
				tvoc, err := strconv.ParseUint(c.Args().Get(1), 0, 16)
				if err != nil {
					return console.Fail("could not parse TVOC baseline", err)
				}
				return withSession(c, func(ctx context.Context, s *session) error {
					b := air.Baseline{CO2eq: uint16(co2), TVOC: uint16(tvoc)}
					if err := s.sensor.SetBaseline(ctx, b); err != nil {
						return console.Fail("baseline error", err)
					}
					console.Infof("baseline restored")
					return nil
				})
			},
		},
	},
}

var humidityCmd = cli.Command{
	Name:      "humidity",
	Usage:     "set humidity compensation from temperature and relative humidity",
	ArgsUsage: "<celsius> <rh%>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return console.Exit(1, "expected 2 arguments, got %d", c.NArg())
		}
		celsius, err := strconv.ParseFloat(c.Args().Get(0), 64)
		if err != nil {
			return console.Fail("could not parse temperature", err)
		}
		rh, err := strconv.ParseFloat(c.Args().Get(1), 64)
		if err != nil {
			return console.Fail("could not parse relative humidity", err)
		}
		abs := air.AbsoluteHumidity(celsius, rh)
		return withSession(c, func(ctx context.Context, s *session) error {
			if err := s.sensor.SetHumidity(ctx, abs); err != nil {
				return console.Fail("humidity compensation error", err)
			}
			console.PInfof(console.PictoHumidity, "absolute humidity %.2f g/m³", float64(abs)/256)
			return nil
		})
	},
}

var serialCmd = cli.Command{
	Name:  "serial",
	Usage: "print serial id and feature set",
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, s *session) error {
			id, err := s.sensor.GetSerialID(ctx)
			if err != nil {
				return console.Fail("serial id error", err)
			}
			fs, err := s.sensor.GetFeatureSet(ctx)
			if err != nil {
				return console.Fail("feature set error", err)
			}
			console.PInfof(console.PictoKey, "serial %012x", id)
			console.Printf("product type: %d\nfeature set version: %s\n", fs.ProductType(), hexWord(uint32(fs.Version()), 1))
			return nil
		})
	},
}

var scanCmd = cli.Command{
	Name:  "scan",
	Usage: "list the addresses that acknowledge",
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, s *session) error {
			found, err := softi2c.Scan(ctx, s.bus)
			for _, addr := range found {
				console.PInfof(console.PictoPin, "%s", hexWord(uint32(addr), 1))
			}
			if err != nil {
				return console.Fail("scan error", err)
			}
			if len(found) == 0 {
				console.Warnf("no device found")
			}
			return nil
		})
	},
}

var resetCmd = cli.Command{
	Name:  "reset",
	Usage: "general call soft reset, resets every device on the bus that supports it",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		if !c.Bool("yes") {
			answer, err := console.YesOrNo("reset all devices on the bus?")
			if err != nil {
				return console.Fail("prompt error", err)
			}
			if answer != console.Yes {
				console.PInfof(console.PictoStop, "reset cancelled")
				return nil
			}
		}
		return withSession(c, func(ctx context.Context, s *session) error {
			if err := s.sensor.SoftReset(ctx); err != nil {
				return console.Fail("reset error", err)
			}
			console.Infof("reset sent")
			return nil
		})
	},
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 8)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}

// hexWord prints v zero padded to n bytes with a 0x prefix.
func hexWord(v uint32, n int) string {
	return fmt.Sprintf("%#0*x", 2+2*n, v)
}
