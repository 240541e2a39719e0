package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const envQuantsimOutDir = "QUANTSIM_OUT_DIR"

const safetensorsExt = ".safetensors"

// resolveOut picks the output path for a command. An explicit --out wins;
// otherwise the file goes to $QUANTSIM_OUT_DIR, the configured out_dir or
// ./out, named after the input with suffix inserted before the extension.
// The returned bool reports whether the path was defaulted.
func resolveOut(inPath, outFlag, suffix, cfgOutDir string) (string, bool, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		outPath := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return "", false, err
		}
		return outPath, false, nil
	}

	base := strings.TrimSuffix(filepath.Base(filepath.Clean(inPath)), safetensorsExt)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", true, fmt.Errorf("invalid input path: %q", inPath)
	}

	outDir := strings.TrimSpace(os.Getenv(envQuantsimOutDir))
	if outDir == "" {
		outDir = strings.TrimSpace(cfgOutDir)
	}
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}

	outPath := filepath.Join(outDir, base+"."+suffix+safetensorsExt)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", true, err
	}
	return outPath, true, nil
}

// parseShape parses a comma separated list of dimensions, e.g. "8,16".
func parseShape(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("shape is empty")
	}
	parts := strings.Split(s, ",")
	shape := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid dimension %q in shape %q", p, s)
		}
		if d < 0 {
			return nil, fmt.Errorf("negative dimension %d in shape %q", d, s)
		}
		shape = append(shape, d)
	}
	return shape, nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
