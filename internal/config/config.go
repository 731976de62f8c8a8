package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"scanbox/internal/pipeline"
	"scanbox/internal/pipeline/strategies"
)

// EnvPrefix prefixes every environment override, e.g. SCANBOX_SCANNER_FOCUS_POLICY
const EnvPrefix = "SCANBOX_"

// Duration is a time.Duration written as a string ("1500ms", "2s") in TOML
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete service configuration
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Scanner ScannerConfig `toml:"scanner"`
	Source  SourceConfig  `toml:"source"`
	History HistoryConfig `toml:"history"`
	Auth    AuthConfig    `toml:"auth"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains the network listeners and preview settings
type ServerConfig struct {
	HTTPAddr      string `toml:"http_addr"`
	GRPCAddr      string `toml:"grpc_addr"` // Empty disables the gRPC health server
	PreviewWidth  int    `toml:"preview_width"`
	PreviewHeight int    `toml:"preview_height"`
	JPEGQuality   int    `toml:"jpeg_quality"`
}

// ScannerConfig contains the pipeline options
type ScannerConfig struct {
	ID                   string   `toml:"id"`
	Detector             string   `toml:"detector"`
	TryHarder            bool     `toml:"try_harder"`
	FocusBoxSide         float64  `toml:"focus_box_side"`
	FocusPolicy          string   `toml:"focus_policy"`
	FocusTolerance       float64  `toml:"focus_tolerance"`
	DrawOverlayRectangle bool     `toml:"draw_overlay_rectangle"`
	DrawValueBanner      bool     `toml:"draw_value_banner"`
	ShowCameraImage      bool     `toml:"show_camera_image"`
	Flipped              bool     `toml:"flipped"`
	TargetWidth          int      `toml:"target_width"`
	TargetHeight         int      `toml:"target_height"`
	Formats              []string `toml:"formats"`
}

// SourceConfig selects where frames come from
type SourceConfig struct {
	Kind       string `toml:"kind"`   // ffmpeg, http or dir
	Device     string `toml:"device"` // V4L2 device, RTSP/HTTP stream or snapshot URL
	FPS        int    `toml:"fps"`
	Rotation   int    `toml:"rotation"`
	Dir        string `toml:"dir"`
	Loop       bool   `toml:"loop"`
	FFmpegPath string `toml:"ffmpeg_path"`
}

// HistoryConfig controls the scan history database
type HistoryConfig struct {
	Enabled      bool     `toml:"enabled"`
	Path         string   `toml:"path"`
	DedupeWindow Duration `toml:"dedupe_window"`
	Retention    Duration `toml:"retention"`
}

// AuthConfig protects the control API
type AuthConfig struct {
	Enabled      bool     `toml:"enabled"`
	Username     string   `toml:"username"`
	PasswordHash string   `toml:"password_hash"` // bcrypt
	JWTSecret    string   `toml:"jwt_secret"`    // Random per process when empty
	TokenTTL     Duration `toml:"token_ttl"`
}

// LoggingConfig selects the log level and encoder
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console or json
}

// Default returns the built-in configuration
func Default() *Config {
	pc := pipeline.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			HTTPAddr:      ":8080",
			GRPCAddr:      ":8081",
			PreviewWidth:  pc.TargetResolution.Width,
			PreviewHeight: pc.TargetResolution.Height,
			JPEGQuality:   85,
		},
		Scanner: ScannerConfig{
			ID:                   "default",
			Detector:             "zxing",
			TryHarder:            true,
			FocusBoxSide:         pc.FocusBoxSide,
			FocusPolicy:          string(pipeline.FocusPolicyCenter),
			DrawOverlayRectangle: pc.DrawOverlayRectangle,
			DrawValueBanner:      pc.DrawValueBanner,
			ShowCameraImage:      pc.ShowCameraImage,
			TargetWidth:          pc.TargetResolution.Width,
			TargetHeight:         pc.TargetResolution.Height,
			Formats:              []string{string(pipeline.FormatAll)},
		},
		Source: SourceConfig{
			Kind:       "ffmpeg",
			Device:     "/dev/video0",
			FPS:        15,
			FFmpegPath: "ffmpeg",
		},
		History: HistoryConfig{
			Enabled:      true,
			Path:         "scanbox.db",
			DedupeWindow: Duration(3 * time.Second),
			Retention:    Duration(30 * 24 * time.Hour),
		},
		Auth: AuthConfig{
			Username: "admin",
			TokenTTL: Duration(24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the configuration with precedence env vars > config file > defaults.
// A missing file is not an error. CLI flags are applied on top by ApplyFlags.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv walks the struct and overrides fields from PREFIX_SECTION_FIELD
// variables, with names derived from the toml tags
func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("toml")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + strings.ToUpper(tag)

		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, key+"_"); err != nil {
				return err
			}
			continue
		}

		value, ok := os.LookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setFromString(field, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(Duration(0))

// setFromString sets a field value from an environment string
func setFromString(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int:
		i, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(i))
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		// comma-separated values
		parts := strings.Split(value, ",")
		slice := make([]string, 0, len(parts))
		for _, part := range parts {
			if p := strings.TrimSpace(part); p != "" {
				slice = append(slice, p)
			}
		}
		field.Set(reflect.ValueOf(slice))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Scanner.FocusBoxSide <= 0 {
		errs = append(errs, fmt.Errorf("scanner.focus_box_side must be positive, got %v", c.Scanner.FocusBoxSide))
	}
	if _, err := strategies.NewStrategyFactory().Create(pipeline.FocusPolicy(c.Scanner.FocusPolicy), c.Scanner.FocusTolerance); err != nil {
		errs = append(errs, fmt.Errorf("scanner.focus_policy: %w", err))
	}
	if _, err := c.Formats(); err != nil {
		errs = append(errs, fmt.Errorf("scanner.formats: %w", err))
	}
	if c.Scanner.TargetWidth <= 0 || c.Scanner.TargetHeight <= 0 {
		errs = append(errs, fmt.Errorf("scanner target resolution must be positive, got %dx%d", c.Scanner.TargetWidth, c.Scanner.TargetHeight))
	}

	switch c.Source.Kind {
	case "ffmpeg", "http":
		if c.Source.Device == "" {
			errs = append(errs, fmt.Errorf("source.device is required for %s sources", c.Source.Kind))
		}
	case "dir":
		if c.Source.Dir == "" {
			errs = append(errs, errors.New("source.dir is required for dir sources"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.kind %q (ffmpeg, http, dir)", c.Source.Kind))
	}
	if c.Source.FPS <= 0 {
		errs = append(errs, fmt.Errorf("source.fps must be positive, got %d", c.Source.FPS))
	}
	if c.Source.Rotation%90 != 0 {
		errs = append(errs, fmt.Errorf("source.rotation must be a multiple of 90, got %d", c.Source.Rotation))
	}

	if c.Server.JPEGQuality < 1 || c.Server.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("server.jpeg_quality must be within 1..100, got %d", c.Server.JPEGQuality))
	}
	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, errors.New("history.path is required when history is enabled"))
	}
	if c.Auth.Enabled && (c.Auth.Username == "" || c.Auth.PasswordHash == "") {
		errs = append(errs, errors.New("auth.username and auth.password_hash are required when auth is enabled"))
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q (console, json)", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Formats parses the configured barcode formats
func (c *Config) Formats() ([]pipeline.Format, error) {
	out := make([]pipeline.Format, 0, len(c.Scanner.Formats))
	for _, s := range c.Scanner.Formats {
		f, err := pipeline.ParseFormat(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// PipelineConfig converts the scanner section into pipeline options
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	formats, err := c.Formats()
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		FocusBoxSide:         c.Scanner.FocusBoxSide,
		DrawOverlayRectangle: c.Scanner.DrawOverlayRectangle,
		DrawValueBanner:      c.Scanner.DrawValueBanner,
		ShowCameraImage:      c.Scanner.ShowCameraImage,
		Flipped:              c.Scanner.Flipped,
		TargetResolution:     pipeline.Resolution{Width: c.Scanner.TargetWidth, Height: c.Scanner.TargetHeight},
		SupportedFormats:     formats,
	}, nil
}
