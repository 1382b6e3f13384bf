package main

import (
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/gasbus/cmd/gasbus/console"
	"github.com/mklimuk/gasbus/pkg/config"
)

var configCmd = cli.Command{
	Name:  "config",
	Usage: "inspect the effective configuration",
	Subcommands: []*cli.Command{
		{
			Name:  "dump",
			Usage: "print the configuration with flags applied",
			Action: func(c *cli.Context) error {
				if err := cfg.Encode(console.Writer()); err != nil {
					return console.Fail("encoding error", err)
				}
				return nil
			},
		},
		{
			Name:  "validate",
			Usage: "check the configuration without touching the bus",
			Action: func(c *cli.Context) error {
				if err := config.Validate(cfg); err != nil {
					return console.Fail("invalid configuration", err)
				}
				console.Infof("configuration is valid")
				return nil
			},
		},
	},
}
