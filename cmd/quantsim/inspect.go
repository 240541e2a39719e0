package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantsim/internal/checkpoint"
	"github.com/samcharles93/quantsim/internal/plan"
	"github.com/samcharles93/quantsim/internal/tensor"
)

// maxInlineValues is the largest tensor whose values inspect prints inline.
const maxInlineValues = 8

func inspectCmd() *cli.Command {
	var (
		path       string
		planPath   string
		filter     string
		showValues bool
		asJSON     bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a tensor file or a quantizer state checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "state",
				Aliases:     []string{"file", "f"},
				Usage:       "path to .safetensors file",
				Destination: &path,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "plan",
				Usage:       "plan .yaml; when set, the file is decoded as layer state",
				Destination: &planPath,
			},
			&cli.StringFlag{Name: "filter", Usage: "substring filter for tensor listing", Destination: &filter},
			&cli.BoolFlag{Name: "values", Usage: "print small tensors inline", Destination: &showValues},
			&cli.BoolFlag{Name: "json", Usage: "print layer state as JSON (requires --plan)", Destination: &asJSON},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			f, err := checkpoint.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			if planPath != "" {
				p, err := plan.Load(planPath)
				if err != nil {
					return err
				}
				sess, err := plan.NewSession(p, nil)
				if err != nil {
					return err
				}
				if err := sess.LoadState(f); err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(sess.Snapshot())
				}
				printLayerStates(os.Stdout, sess.RunID, sess.Snapshot())
				return nil
			}
			if asJSON {
				return fmt.Errorf("--json requires --plan")
			}
			return printTensors(os.Stdout, f, filter, showValues)
		},
	}
}

func printTensors(w io.Writer, f *checkpoint.File, filter string, showValues bool) error {
	_, _ = fmt.Fprintf(w, "file: %s\n", f.Path)
	if len(f.Metadata) > 0 {
		_, _ = fmt.Fprintln(w, "metadata:")
		keys := make([]string, 0, len(f.Metadata))
		for k := range f.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  %s = %s\n", k, f.Metadata[k])
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tDTYPE\tSHAPE\tABS MAX\tVALUES")
	for _, name := range f.Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		info, _ := f.Tensor(name)
		absMax, values := "-", ""
		if info.DType == checkpoint.I64 {
			v, _, err := f.ReadI64(name)
			if err != nil {
				return err
			}
			if showValues && len(v) <= maxInlineValues {
				values = fmt.Sprint(v)
			}
		} else {
			v, _, err := f.ReadF32(name)
			if err != nil {
				return err
			}
			absMax = fmt.Sprintf("%g", tensor.AbsMax(v))
			if showValues && len(v) <= maxInlineValues {
				values = fmt.Sprint(v)
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", name, info.DType, info.Shape, absMax, values)
	}
	return tw.Flush()
}

func printLayerStates(w io.Writer, runID string, states []plan.LayerState) {
	_, _ = fmt.Fprintf(w, "run_id: %s\n", runID)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LAYER\tSTRATEGY\tBITS\tSCALE\tSTATE")
	for _, st := range states {
		scale := fmt.Sprintf("%g", st.Scale)
		if st.Strategy == plan.ChannelWiseAbsMax {
			scale = fmt.Sprintf("%d channels", len(st.Scales))
		}
		state := "-"
		switch {
		case st.Window != nil:
			state = fmt.Sprintf("window %d/%d iter=%d", len(st.Window.Recent), st.Window.Size, st.Window.Iter)
		case st.Moving != nil:
			state = fmt.Sprintf("accum=%g state=%g", st.Moving.Accum, st.Moving.State)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", st.Name, st.Strategy, st.Config.BitLength, scale, state)
	}
	_ = tw.Flush()
}
