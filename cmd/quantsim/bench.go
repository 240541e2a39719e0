package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantsim/internal/fakequant"
	"github.com/samcharles93/quantsim/internal/logger"
	"github.com/samcharles93/quantsim/internal/plan"
	"github.com/samcharles93/quantsim/internal/tensor"
)

var allStrategies = []plan.Strategy{
	plan.AbsMax,
	plan.ChannelWiseAbsMax,
	plan.RangeAbsMax,
	plan.MovingAverageAbsMax,
}

type benchResult struct {
	Strategy  plan.Strategy
	Runs      int
	Elements  int
	Duration  time.Duration
	LastScale float32
}

// ElementsPerSec is the mean quantization throughput over all runs.
func (r benchResult) ElementsPerSec() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Runs*r.Elements) / r.Duration.Seconds()
}

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		shapeSpec  string
		strategies string
		dequantize bool
		seed       int64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure fake-quantization throughput per strategy",
		Flags: append(quantizerFlags(),
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "number of warmup runs",
				Value:       2,
				Destination: &warmupRuns,
			},
			&cli.Int64Flag{
				Name:        "runs",
				Usage:       "number of timed runs",
				Value:       20,
				Destination: &benchRuns,
			},
			&cli.StringFlag{
				Name:        "shape",
				Usage:       "input tensor shape",
				Value:       "64,256,3,3",
				Destination: &shapeSpec,
			},
			&cli.StringFlag{
				Name:        "strategy",
				Aliases:     []string{"s"},
				Usage:       "comma separated strategies (default: all)",
				Destination: &strategies,
			},
			&cli.BoolFlag{
				Name:        "dequantize",
				Usage:       "benchmark the quantize-dequantize variants",
				Destination: &dequantize,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "random seed for the input tensor",
				Value:       42,
				Destination: &seed,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyQuantizerConfig(c, LoadConfig())
			if benchRuns < 1 {
				return fmt.Errorf("--runs must be positive, got %d", benchRuns)
			}

			shape, err := parseShape(shapeSpec)
			if err != nil {
				return err
			}
			selected, err := parseStrategies(strategies)
			if err != nil {
				return err
			}
			x, err := generate(shape, "gaussian", 0, 1, 0, 0, seed)
			if err != nil {
				return err
			}

			cfg := quantizerConfig()
			fmt.Println("=== quantsim bench ===")
			fmt.Printf("Shape:      %v (%d elements)\n", shape, x.Len())
			fmt.Printf("Bits:       %d\n", cfg.BitLength)
			fmt.Printf("Dequantize: %v\n", dequantize)
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Warmup:     %d runs\n", warmupRuns)
			fmt.Printf("Runs:       %d\n\n", benchRuns)

			results := make([]benchResult, 0, len(selected))
			for _, s := range selected {
				log.Info("benchmarking strategy", "strategy", s)
				r, err := benchStrategy(ctx, s, dequantize, cfg, x, int(warmupRuns), int(benchRuns))
				if err != nil {
					return fmt.Errorf("%s: %w", s, err)
				}
				results = append(results, r)
			}
			printBench(os.Stdout, results)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

func parseStrategies(list string) ([]plan.Strategy, error) {
	if strings.TrimSpace(list) == "" {
		return allStrategies, nil
	}
	var out []plan.Strategy
	for _, name := range strings.Split(list, ",") {
		s, err := plan.ParseStrategy(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// benchStrategy runs x through a single-layer session in train mode.
func benchStrategy(ctx context.Context, s plan.Strategy, dequantize bool, cfg fakequant.Config, x *tensor.Tensor, warmup, runs int) (benchResult, error) {
	sess, err := plan.NewSession(plan.Uniform([]string{"x"}, s, dequantize, cfg), nil)
	if err != nil {
		return benchResult{}, err
	}
	for range warmup {
		if _, err := sess.Run("x", x, fakequant.Train, nil); err != nil {
			return benchResult{}, err
		}
	}

	r := benchResult{Strategy: s, Runs: runs, Elements: x.Len()}
	start := time.Now()
	for range runs {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		res, err := sess.Run("x", x, fakequant.Train, nil)
		if err != nil {
			return r, err
		}
		r.LastScale = res.Scale
	}
	r.Duration = time.Since(start)
	return r, nil
}

func printBench(w io.Writer, results []benchResult) {
	_, _ = fmt.Fprintln(w, "=== Results ===")
	_, _ = fmt.Fprintf(w, "%-24s %12s %12s %12s\n", "Strategy", "Per run", "Melem/s", "Scale")
	for _, r := range results {
		perRun := time.Duration(0)
		if r.Runs > 0 {
			perRun = r.Duration / time.Duration(r.Runs)
		}
		_, _ = fmt.Fprintf(w, "%-24s %12s %12.2f %12.4g\n",
			r.Strategy, perRun.Round(time.Microsecond), r.ElementsPerSec()/1e6, r.LastScale)
	}
}
