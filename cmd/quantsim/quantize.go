package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantsim/internal/checkpoint"
	"github.com/samcharles93/quantsim/internal/fakequant"
	"github.com/samcharles93/quantsim/internal/logger"
	"github.com/samcharles93/quantsim/internal/plan"
)

func quantizeCmd() *cli.Command {
	var (
		inPath       string
		outPath      string
		tensorNames  string
		strategyName string
		modeName     string
		statePath    string
		dtypeName    string
		dequantize   bool
		inScale      float64
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Fake-quantize tensors from a safetensors file",
		Flags: append(quantizerFlags(),
			&cli.StringFlag{
				Name:        "in",
				Aliases:     []string{"i"},
				Usage:       "input .safetensors file",
				Destination: &inPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors file (default: $QUANTSIM_OUT_DIR or ./out)",
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "tensor",
				Aliases:     []string{"t"},
				Usage:       "comma separated tensor names (default: every float tensor)",
				Destination: &tensorNames,
			},
			&cli.StringFlag{
				Name:        "strategy",
				Aliases:     []string{"s"},
				Usage:       "abs_max, channel_wise_abs_max, range_abs_max or moving_average_abs_max",
				Value:       string(plan.AbsMax),
				Destination: &strategyName,
			},
			&cli.BoolFlag{
				Name:        "dequantize",
				Usage:       "emit quantize-dequantized values instead of integer levels",
				Destination: &dequantize,
			},
			&cli.StringFlag{
				Name:        "mode",
				Usage:       "train or infer",
				Value:       "train",
				Destination: &modeName,
			},
			&cli.FloatFlag{
				Name:        "in-scale",
				Usage:       "input scale for infer mode (default: scale stored in --state)",
				Destination: &inScale,
			},
			&cli.StringFlag{
				Name:        "state",
				Usage:       "state checkpoint read before and updated after a train run",
				Destination: &statePath,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "output dtype (f32, f16, bf16)",
				Value:       "f32",
				Destination: &dtypeName,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyQuantizerConfig(c, cfg)
			applyOutputConfig(c, cfg, &dtypeName)

			strategy, err := plan.ParseStrategy(strategyName)
			if err != nil {
				return err
			}
			mode, err := fakequant.ParseMode(modeName)
			if err != nil {
				return err
			}
			dtype, err := checkpoint.ParseDType(dtypeName)
			if err != nil {
				return err
			}
			var override *float32
			if c.IsSet("in-scale") {
				v := float32(inScale)
				override = &v
			}

			in, err := checkpoint.Open(inPath)
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer func() { _ = in.Close() }()

			names, err := selectTensors(in, tensorNames)
			if err != nil {
				return err
			}

			sess, err := plan.NewSession(plan.Uniform(names, strategy, dequantize, quantizerConfig()), log)
			if err != nil {
				return err
			}
			if statePath != "" && fileExists(statePath) {
				if err := sess.LoadStateFile(statePath); err != nil {
					return fmt.Errorf("load state: %w", err)
				}
				log.Debug("state loaded", "path", statePath, "run_id", sess.RunID)
			}

			w := checkpoint.NewWriter()
			w.SetMetadata("strategy", string(strategy))
			w.SetMetadata("bit_length", strconv.FormatInt(bitLength, 10))
			w.SetMetadata("mode", mode.String())
			w.SetMetadata("dequantize", strconv.FormatBool(dequantize))
			for _, name := range names {
				x, err := in.ReadTensor(name)
				if err != nil {
					return err
				}
				res, err := sess.Run(name, x, mode, override)
				if err != nil {
					return err
				}
				if err := w.Add(name, dtype, res.Out.Shape, res.Out.Data); err != nil {
					return err
				}
				scales := res.Scales
				if scales == nil {
					scales = []float32{res.Scale}
				}
				if err := w.AddF32(name+".scale", []int{len(scales)}, scales); err != nil {
					return err
				}
				log.Info("quantized tensor", "tensor", name, "shape", res.Out.Shape, "scale", res.Scale, "channels", len(res.Scales))
			}

			out, defaulted, err := resolveOut(inPath, outPath, "fq", cfg.OutDir)
			if err != nil {
				return err
			}
			if defaulted {
				log.Info("no --out given, writing to default location", "out", out)
			}
			if err := w.WriteFile(out); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

			if statePath != "" && mode == fakequant.Train && strategy.Stateful() {
				if err := sess.SaveState(statePath); err != nil {
					return fmt.Errorf("save state: %w", err)
				}
				log.Info("state saved", "path", statePath)
			}
			log.Info("quantize complete", "tensors", len(names), "out", out)
			return nil
		},
	}
}

// selectTensors resolves --tensor against the file. With no names given
// every floating point tensor is selected.
func selectTensors(f *checkpoint.File, list string) ([]string, error) {
	if strings.TrimSpace(list) != "" {
		var names []string
		for _, name := range strings.Split(list, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := f.Tensor(name); !ok {
				return nil, fmt.Errorf("%w: %s", checkpoint.ErrTensorNotFound, name)
			}
			names = append(names, name)
		}
		if len(names) == 0 {
			return nil, errors.New("no tensor names given")
		}
		return names, nil
	}

	var names []string
	for _, name := range f.Names() {
		info, _ := f.Tensor(name)
		if info.DType == checkpoint.I64 {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s holds no floating point tensors", f.Path)
	}
	return names, nil
}
