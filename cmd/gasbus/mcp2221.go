package main

import (
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/gasbus/adapter"
	"github.com/mklimuk/gasbus/cmd/gasbus/console"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "USB bridge maintenance",
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221GPIOCmd,
	},
}

func bridge() *adapter.MCP2221 {
	return adapter.NewMCP2221(adapter.WithDeviceID(cfg.Bus.AdapterID))
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(console.Writer())
	if err := enc.Encode(v); err != nil {
		return console.Fail("encoding error", err)
	}
	return nil
}

var mcp2221StatusCmd = cli.Command{
	Name: "status",
	Action: func(c *cli.Context) error {
		status, err := bridge().Status(commandContext(c))
		if err != nil {
			return console.Fail("adapter communication error", err)
		}
		return printYAML(status)
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel the current I2C transfer and free the bus",
	Action: func(c *cli.Context) error {
		status, err := bridge().ReleaseBus(commandContext(c))
		if err != nil {
			return console.Fail("adapter communication error", err)
		}
		return printYAML(status)
	},
}

var mcp2221GPIOCmd = cli.Command{
	Name:  "gpio",
	Usage: "GP pin designation and levels",
	Subcommands: cli.Commands{
		{
			Name: "status",
			Action: func(c *cli.Context) error {
				ctx := commandContext(c)
				params, err := bridge().GetGPIOParameters(ctx)
				if err != nil {
					return console.Fail("adapter communication error", err)
				}
				values, err := bridge().ReadGPIO(ctx)
				if err != nil {
					return console.Fail("adapter communication error", err)
				}
				return printYAML(map[string]any{"parameters": params, "values": values})
			},
		},
		{
			Name:  "setup",
			Usage: "designate GP0..GP3 as GPIO inputs so they can carry the soft bus",
			Action: func(c *cli.Context) error {
				params := adapter.MCP2221GPIOParameters{
					GPIO0Mode: adapter.GPIOModeIn, GPIO0Designation: adapter.GPIOOperation,
					GPIO1Mode: adapter.GPIOModeIn, GPIO1Designation: adapter.GPIOOperation,
					GPIO2Mode: adapter.GPIOModeIn, GPIO2Designation: adapter.GPIOOperation,
					GPIO3Mode: adapter.GPIOModeIn, GPIO3Designation: adapter.GPIOOperation,
				}
				if err := bridge().SetGPIOParameters(commandContext(c), params); err != nil {
					return console.Fail("adapter communication error", err)
				}
				console.Infof("GP pins set to GPIO inputs")
				return nil
			},
		},
	},
}
