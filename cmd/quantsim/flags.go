package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantsim/internal/fakequant"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	bitLength  int64
	quantAxis  int64
	windowSize int64
	movingRate float64
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func quantizerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "bits",
			Aliases:     []string{"bit-length", "b"},
			Usage:       "quantization bit length",
			Value:       fakequant.DefaultBitLength,
			Destination: &bitLength,
		},
		&cli.Int64Flag{
			Name:        "axis",
			Aliases:     []string{"quant-axis"},
			Usage:       "channel axis for channel-wise strategies (0 or 1)",
			Destination: &quantAxis,
		},
		&cli.Int64Flag{
			Name:        "window-size",
			Usage:       "window length for range_abs_max",
			Value:       fakequant.DefaultWindowSize,
			Destination: &windowSize,
		},
		&cli.FloatFlag{
			Name:        "moving-rate",
			Usage:       "decay rate for moving_average_abs_max",
			Value:       fakequant.DefaultMovingRate,
			Destination: &movingRate,
		},
	}
}

// quantizerConfig builds the quantizer config from the flag variables.
func quantizerConfig() fakequant.Config {
	return fakequant.Config{
		BitLength:  int(bitLength),
		QuantAxis:  fakequant.QuantAxis(quantAxis),
		WindowSize: int(windowSize),
		MovingRate: float32(movingRate),
	}
}
