package main

import (
	"log/slog"
	"os"

	"github.com/chris-wood/ppm-go/internal/logger"
	"github.com/urfave/cli"
)

const (
	// Version of the binary
	Version = "0.1.0"

	optionConfig      = "config"
	optionConfigShort = "c"

	optionParams      = "params"
	optionParamsShort = "p"

	optionHpkeFile   = "hpke"
	optionVerifyFile = "verify"
	optionBits       = "bits"

	optionTime     = "time"
	optionValue    = "value"
	optionReports  = "reports"
	optionStart    = "start"
	optionDuration = "duration"
)

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "ppm"
	cliApp.Usage = "Privacy preserving measurement with a Leader and a Helper"
	cliApp.Version = Version

	paramsFlag := cli.StringFlag{
		Name:  optionParams + ", " + optionParamsShort,
		Value: "parameters.json",
		Usage: "Task parameters file",
	}
	configFlag := cli.StringFlag{
		Name:  optionConfig + ", " + optionConfigShort,
		Value: "ppm.toml",
		Usage: "Aggregator configuration file (.toml, .yaml)",
	}

	cliApp.Commands = []cli.Command{
		{
			Name:   "setup",
			Usage:  "Generate HPKE configurations and verify parameters for a task",
			Action: setupTask,
			Flags: []cli.Flag{
				paramsFlag,
				cli.IntFlag{
					Name:  optionBits,
					Usage: "Measurement width, overrides the task parameters",
				},
				cli.StringFlag{
					Name:  optionHpkeFile,
					Value: "hpke.json",
					Usage: "Output file for the HPKE configurations",
				},
				cli.StringFlag{
					Name:  optionVerifyFile,
					Value: "verify.json",
					Usage: "Output file for the verify parameters",
				},
			},
		},
		{
			Name:  "leader",
			Usage: "Run the Leader",
			Action: func(c *cli.Context) error {
				return runAggregator(c, "leader")
			},
			Flags: []cli.Flag{configFlag},
		},
		{
			Name:  "helper",
			Usage: "Run the Helper",
			Action: func(c *cli.Context) error {
				return runAggregator(c, "helper")
			},
			Flags: []cli.Flag{configFlag},
		},
		{
			Name:   "upload",
			Usage:  "Upload measurements to the Leader",
			Action: uploadReports,
			Flags: []cli.Flag{
				paramsFlag,
				cli.Uint64Flag{
					Name:  optionTime,
					Usage: "Report time in seconds since the epoch (default: now)",
				},
				cli.Uint64Flag{
					Name:  optionValue,
					Value: 1,
					Usage: "Measurement value",
				},
				cli.IntFlag{
					Name:  optionReports + ", n",
					Value: 1,
					Usage: "Number of reports, one second apart",
				},
			},
		},
		{
			Name:   "collect",
			Usage:  "Collect the aggregate over an interval",
			Action: collectInterval,
			Flags: []cli.Flag{
				paramsFlag,
				cli.Uint64Flag{
					Name:  optionStart,
					Usage: "Interval start in seconds since the epoch",
				},
				cli.Uint64Flag{
					Name:  optionDuration,
					Usage: "Interval duration in seconds",
				},
			},
		},
	}

	cliApp.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "Log at debug level",
		},
	}
	cliApp.Before = func(c *cli.Context) error {
		logger.Init()
		if c.GlobalBool("debug") {
			logger.SetLevel(slog.LevelDebug)
		}
		return nil
	}

	if err := cliApp.Run(os.Args); err != nil {
		logger.Error("ppm failed", "error", err)
		os.Exit(1)
	}
}
