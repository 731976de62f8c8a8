package config

import (
	"github.com/spf13/pflag"
)

// BindFlags registers the command line overrides on fs
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("http-addr", d.Server.HTTPAddr, "HTTP listen address")
	fs.String("grpc-addr", d.Server.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.String("detector", d.Scanner.Detector, "Detector backend")
	fs.String("focus-policy", d.Scanner.FocusPolicy, "Focus policy (center, contain, offset)")
	fs.Float64("focus-box-side", d.Scanner.FocusBoxSide, "Focus box side in view units")
	fs.StringSlice("formats", d.Scanner.Formats, "Barcode formats to detect")
	fs.Bool("banner", d.Scanner.DrawValueBanner, "Draw the value banner on in-focus barcodes")
	fs.Bool("flipped", d.Scanner.Flipped, "Mirror the preview horizontally")
	fs.String("source", d.Source.Kind, "Frame source (ffmpeg, http, dir)")
	fs.String("device", d.Source.Device, "Capture device, stream or snapshot URL")
	fs.String("dir", d.Source.Dir, "Image directory for the dir source")
	fs.Int("fps", d.Source.FPS, "Source frame rate")
	fs.Int("rotation", d.Source.Rotation, "Clockwise frame rotation in degrees")
	fs.String("log-level", d.Logging.Level, "Log level (debug, info, warn, error)")
	fs.String("log-format", d.Logging.Format, "Log format (console, json)")
}

// ApplyFlags copies every flag the user actually set onto cfg. Flags left at
// their default do not override file or environment values.
func ApplyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var firstErr error
	set := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "http-addr":
			cfg.Server.HTTPAddr = f.Value.String()
		case "grpc-addr":
			cfg.Server.GRPCAddr = f.Value.String()
		case "detector":
			cfg.Scanner.Detector = f.Value.String()
		case "focus-policy":
			cfg.Scanner.FocusPolicy = f.Value.String()
		case "focus-box-side":
			v, err := fs.GetFloat64(f.Name)
			set(err)
			cfg.Scanner.FocusBoxSide = v
		case "formats":
			v, err := fs.GetStringSlice(f.Name)
			set(err)
			cfg.Scanner.Formats = v
		case "banner":
			v, err := fs.GetBool(f.Name)
			set(err)
			cfg.Scanner.DrawValueBanner = v
		case "flipped":
			v, err := fs.GetBool(f.Name)
			set(err)
			cfg.Scanner.Flipped = v
		case "source":
			cfg.Source.Kind = f.Value.String()
		case "device":
			cfg.Source.Device = f.Value.String()
		case "dir":
			cfg.Source.Dir = f.Value.String()
		case "fps":
			v, err := fs.GetInt(f.Name)
			set(err)
			cfg.Source.FPS = v
		case "rotation":
			v, err := fs.GetInt(f.Name)
			set(err)
			cfg.Source.Rotation = v
		case "log-level":
			cfg.Logging.Level = f.Value.String()
		case "log-format":
			cfg.Logging.Format = f.Value.String()
		}
	})
	return firstErr
}
