package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"scanbox/internal/config"
	"scanbox/internal/geom"
	"scanbox/internal/overlay"
	"scanbox/internal/pipeline"
	"scanbox/internal/pipeline/detectors"
	"scanbox/internal/pipeline/strategies"
	"scanbox/internal/source"
)

// scanResult is one line of scan command output
type scanResult struct {
	File    string          `json:"file"`
	Format  pipeline.Format `json:"format,omitempty"`
	Value   string          `json:"value,omitempty"`
	Raw     string          `json:"raw,omitempty"`
	Box     *geom.Rect      `json:"box,omitempty"`
	InFocus bool            `json:"in_focus"`
	Error   string          `json:"error,omitempty"`
}

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <image>...",
		Short: "Detect barcodes in image files and print them as JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runScan,
	}
	cmd.Flags().StringSlice("formats", nil, "Barcode formats to detect (default from config)")
	cmd.Flags().String("focus-policy", "", "Focus policy used for in_focus (default from config)")
	cmd.Flags().Float64("focus-box-side", 0, "Focus box side in image pixels (default from config)")
	cmd.Flags().Int("rotation", 0, "Clockwise rotation applied to every image")
	cmd.Flags().String("annotate", "", "Write annotated PNGs to this directory")
	return cmd
}

// scanSettings resolves the scanner section of the config file with local
// flag overrides. The file is not validated since no source is needed.
func scanSettings(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	fs := cmd.Flags()
	if fs.Changed("formats") {
		cfg.Scanner.Formats, _ = fs.GetStringSlice("formats")
	}
	if fs.Changed("focus-policy") {
		cfg.Scanner.FocusPolicy, _ = fs.GetString("focus-policy")
	}
	if fs.Changed("focus-box-side") {
		cfg.Scanner.FocusBoxSide, _ = fs.GetFloat64("focus-box-side")
	}
	if fs.Changed("rotation") {
		cfg.Source.Rotation, _ = fs.GetInt("rotation")
	}
	return cfg, nil
}

func runScan(cmd *cobra.Command, files []string) error {
	cfg, err := scanSettings(cmd)
	if err != nil {
		return err
	}
	formats, err := cfg.Formats()
	if err != nil {
		return err
	}
	gate, err := strategies.NewStrategyFactory().Create(pipeline.FocusPolicy(cfg.Scanner.FocusPolicy), cfg.Scanner.FocusTolerance)
	if err != nil {
		return err
	}
	factory, err := detectors.DefaultRegistry(cfg.Scanner.TryHarder).Factory(cfg.Scanner.Detector)
	if err != nil {
		return err
	}
	det, err := factory(cmd.Context(), formats)
	if err != nil {
		return err
	}
	defer det.Close()

	annotateDir, _ := cmd.Flags().GetString("annotate")
	if annotateDir != "" {
		if err := os.MkdirAll(annotateDir, 0o755); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, file := range files {
		results, err := scanFile(cmd.Context(), det, gate, cfg, file, annotateDir)
		if err != nil {
			failed++
			_ = enc.Encode(scanResult{File: file, Error: err.Error()})
			continue
		}
		for _, r := range results {
			_ = enc.Encode(r)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be scanned", failed, len(files))
	}
	return nil
}

// scanFile runs one detection cycle on a still image. The image itself is
// the render surface, so the focus box is centered on the upright image.
func scanFile(ctx context.Context, det pipeline.Detector, gate pipeline.FocusGate, cfg *config.Config, file, annotateDir string) ([]scanResult, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	img, format, err := source.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	frame := pipeline.NewFrame(img, cfg.Source.Rotation, format, nil)
	defer frame.Release()

	found, err := det.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}

	viewW, viewH := frame.UprightSize()
	transform := geom.NewTransform(frame.Width, frame.Height, frame.RotationDegrees, viewW, viewH, false)
	focusBox := geom.FocusBox(viewW, viewH, cfg.Scanner.FocusBoxSide)

	ov := overlay.New()
	ov.Add(overlay.NewCameraImage(img, frame.RotationDegrees, false, transform))

	results := make([]scanResult, 0, len(found))
	for _, b := range found {
		box := transform.MapRect(b.BoundingBox)
		inFocus := gate.IsCentered(focusBox, box)
		results = append(results, scanResult{
			File:    file,
			Format:  b.Format,
			Value:   b.DisplayValue,
			Raw:     b.RawValue,
			Box:     &box,
			InFocus: inFocus,
		})
		ov.Add(&overlay.Barcode{Box: box, Value: b.DisplayValue, InFocus: inFocus, DrawRect: true, DrawBanner: true})
	}
	if len(results) == 0 {
		results = append(results, scanResult{File: file})
	}

	if annotateDir != "" {
		if err := writeAnnotated(ov, viewW, viewH, annotateDir, file); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func writeAnnotated(ov *overlay.Overlay, width, height int, dir, file string) error {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	ov.Render(dst)

	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)) + ".png"
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if err := png.Encode(f, dst); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
