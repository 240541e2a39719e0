package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantsim/internal/checkpoint"
	"github.com/samcharles93/quantsim/internal/fakequant"
	"github.com/samcharles93/quantsim/internal/logger"
	"github.com/samcharles93/quantsim/internal/plan"
)

func calibrateCmd() *cli.Command {
	var (
		planPath  string
		inPaths   []string
		steps     int64
		statePath string
		resume    bool
	)

	return &cli.Command{
		Name:  "calibrate",
		Usage: "Run a plan in train mode over calibration batches and save its state",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "plan",
				Aliases:     []string{"p"},
				Usage:       "plan .yaml file",
				Destination: &planPath,
				Required:    true,
			},
			&cli.StringSliceFlag{
				Name:        "in",
				Aliases:     []string{"i"},
				Usage:       "calibration batch .safetensors file (repeatable)",
				Destination: &inPaths,
				Required:    true,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Aliases:     []string{"n"},
				Usage:       "passes over the calibration batches",
				Value:       1,
				Destination: &steps,
			},
			&cli.StringFlag{
				Name:        "state",
				Usage:       "state checkpoint to write",
				Destination: &statePath,
				Required:    true,
			},
			&cli.BoolFlag{
				Name:        "resume",
				Usage:       "continue from an existing --state file",
				Destination: &resume,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			if steps < 1 {
				return fmt.Errorf("--steps must be positive, got %d", steps)
			}

			p, err := plan.Load(planPath)
			if err != nil {
				return err
			}
			sess, err := plan.NewSession(p, log)
			if err != nil {
				return err
			}
			if resume && fileExists(statePath) {
				if err := sess.LoadStateFile(statePath); err != nil {
					return fmt.Errorf("resume: %w", err)
				}
				log.Info("resuming calibration", "state", statePath, "run_id", sess.RunID)
			}

			batches := make([]*checkpoint.File, 0, len(inPaths))
			defer func() {
				for _, b := range batches {
					_ = b.Close()
				}
			}()
			for _, path := range inPaths {
				f, err := checkpoint.Open(path)
				if err != nil {
					return fmt.Errorf("open %s: %w", path, err)
				}
				batches = append(batches, f)
			}

			runs, err := calibrate(ctx, sess, batches, int(steps), log)
			if err != nil {
				return err
			}
			if err := sess.SaveState(statePath); err != nil {
				return fmt.Errorf("save state: %w", err)
			}
			log.Info("calibration complete", "steps", steps, "runs", runs, "state", statePath, "run_id", sess.RunID)
			for _, st := range sess.Snapshot() {
				log.Info("layer", "name", st.Name, "strategy", st.Strategy, "scale", st.Scale, "calls", st.Calls)
			}
			return nil
		},
	}
}

// calibrate feeds every batch through every layer whose tensor it holds, in
// train mode, steps times. It returns the number of layer runs.
func calibrate(ctx context.Context, sess *plan.Session, batches []*checkpoint.File, steps int, log logger.Logger) (int, error) {
	layers := sess.Layers()
	seen := make(map[string]bool, len(layers))
	runs := 0
	for step := range steps {
		for _, b := range batches {
			if err := ctx.Err(); err != nil {
				return runs, err
			}
			for _, l := range layers {
				name := l.Spec.Name
				x, err := b.ReadTensor(name)
				if errors.Is(err, checkpoint.ErrTensorNotFound) {
					continue
				}
				if err != nil {
					return runs, fmt.Errorf("%s: %w", b.Path, err)
				}
				if _, err := sess.Run(name, x, fakequant.Train, nil); err != nil {
					return runs, fmt.Errorf("%s: %w", b.Path, err)
				}
				seen[name] = true
				runs++
			}
		}
		log.Debug("calibration step done", "step", step+1, "runs", runs)
	}
	for _, l := range layers {
		if !seen[l.Spec.Name] {
			log.Warn("layer never calibrated: no batch holds its tensor", "layer", l.Spec.Name)
		}
	}
	if runs == 0 {
		return 0, errors.New("no calibration batch holds a tensor named by the plan")
	}
	return runs, nil
}
