package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mosaic/internal/inference"
)

// Backend selects the interpreter runtime
type Backend string

const (
	BackendSim    Backend = "sim"
	BackendRemote Backend = "remote"
)

// Config is the full daemon configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Display   DisplayConfig   `yaml:"display"`
	Inference InferenceConfig `yaml:"inference"`
	Streams   []StreamConfig  `yaml:"streams"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
}

// LogConfig configures the root logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// DisplayConfig describes the mosaic grid
type DisplayConfig struct {
	MaxStreams int `yaml:"max_streams"`
	Columns    int `yaml:"columns"`
	TileWidth  int `yaml:"tile_width"`
	TileHeight int `yaml:"tile_height"`
}

// InferenceConfig holds global inference settings every unit inherits
type InferenceConfig struct {
	Threshold      float32       `yaml:"threshold"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	Backend        Backend       `yaml:"backend"`
	SimDevices     int           `yaml:"sim_devices"`
	SimLatency     time.Duration `yaml:"sim_latency"`
	RemoteEndpoint string        `yaml:"remote_endpoint"`
}

// StreamConfig binds a frame source to one unit, or to a detector and a
// classifier in the dual-model case
type StreamConfig struct {
	Name       string       `yaml:"name"`
	Source     SourceConfig `yaml:"source"`
	Unit       UnitConfig   `yaml:"unit"`
	Classifier *UnitConfig  `yaml:"classifier,omitempty"`
}

// Pads returns the number of mosaic tiles the stream occupies
func (s StreamConfig) Pads() int {
	if s.Classifier != nil {
		return 2
	}
	return 1
}

// SourceConfig selects where frames come from
type SourceConfig struct {
	Kind string `yaml:"kind"` // synthetic or image
	Path string `yaml:"path,omitempty"`
	FPS  int    `yaml:"fps"`
}

// UnitConfig is a per-stream unit. Pointer fields override the globals
// when set.
type UnitConfig struct {
	Type        inference.Type `yaml:"type"`
	Model       string         `yaml:"model"`
	Labels      string         `yaml:"labels,omitempty"`
	Object      string         `yaml:"object,omitempty"`
	KeepOut     string         `yaml:"keep_out,omitempty"`
	Threshold   *float32       `yaml:"threshold,omitempty"`
	Devices     *int           `yaml:"devices,omitempty"`
	MaxInFlight *int           `yaml:"max_in_flight,omitempty"`
}

// HTTPConfig configures the control API
type HTTPConfig struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

// GRPCConfig configures the health server
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig configures persistence
type StoreConfig struct {
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AuthConfig configures control API authentication
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

// Default returns the configuration used for every unset value
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Display: DisplayConfig{
			MaxStreams: 6,
			Columns:    3,
			TileWidth:  640,
			TileHeight: 360,
		},
		Inference: InferenceConfig{
			Threshold:      0.5,
			MaxInFlight:    inference.DefaultMaxInFlight,
			Backend:        BackendSim,
			SimDevices:     8,
			RemoteEndpoint: "localhost:50061",
		},
		HTTP:  HTTPConfig{Addr: ":8080"},
		GRPC:  GRPCConfig{Addr: ":50060"},
		Store: StoreConfig{Path: "mosaic.db", FlushInterval: 30 * time.Second},
		Auth: AuthConfig{
			Username:  "admin",
			JWTExpiry: 24 * time.Hour,
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MOSAIC_AUTH_ENABLED"); v != "" {
		c.Auth.Enabled = v == "true"
	}
	if v := os.Getenv("MOSAIC_AUTH_PASSWORD"); v != "" {
		c.Auth.Password = v
	}
	if v := os.Getenv("MOSAIC_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

// Validate reports every problem found in the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Display.MaxStreams < 1 || c.Display.Columns < 1 {
		errs = append(errs, fmt.Errorf("display: max_streams and columns must be positive"))
	}
	if c.Inference.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("inference: max_in_flight must be positive"))
	}
	if c.Inference.Threshold < 0 || c.Inference.Threshold > 1 {
		errs = append(errs, fmt.Errorf("inference: threshold %v outside [0,1]", c.Inference.Threshold))
	}
	switch c.Inference.Backend {
	case BackendSim, BackendRemote:
	default:
		errs = append(errs, fmt.Errorf("inference: unknown backend %q", c.Inference.Backend))
	}

	names := map[string]bool{}
	pads := 0
	for i, s := range c.Streams {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("streams[%d]: name is required", i))
		} else if names[s.Name] {
			errs = append(errs, fmt.Errorf("streams[%d]: duplicate name %q", i, s.Name))
		}
		names[s.Name] = true
		pads += s.Pads()

		if err := s.Unit.validate(); err != nil {
			errs = append(errs, fmt.Errorf("stream %q: %w", s.Name, err))
		}
		if s.Classifier != nil {
			if s.Classifier.Type != inference.TypeClassification {
				errs = append(errs, fmt.Errorf("stream %q: classifier must be of type %q", s.Name, inference.TypeClassification))
			}
			if s.Unit.Type != inference.TypeDetection {
				errs = append(errs, fmt.Errorf("stream %q: dual-model stream needs a %q unit", s.Name, inference.TypeDetection))
			}
		}
		switch s.Source.Kind {
		case "", "synthetic":
		case "image":
			if s.Source.Path == "" {
				errs = append(errs, fmt.Errorf("stream %q: image source needs a path", s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("stream %q: unknown source kind %q", s.Name, s.Source.Kind))
		}
	}
	if pads > c.Display.MaxStreams {
		errs = append(errs, fmt.Errorf("streams use %d tiles, display has %d", pads, c.Display.MaxStreams))
	}
	return errors.Join(errs...)
}

func (u UnitConfig) validate() error {
	if !u.Type.Valid() {
		return fmt.Errorf("unknown unit type %q", u.Type)
	}
	if u.Type != inference.TypeNone && u.Model == "" {
		return fmt.Errorf("%s unit needs a model", u.Type)
	}
	if u.Type == inference.TypeManufacturing && u.KeepOut == "" {
		return fmt.Errorf("manufacturing unit needs a keep_out polygon")
	}
	if u.Type == inference.TypeManufacturing && u.Labels == "" {
		return fmt.Errorf("manufacturing unit needs a labels file")
	}
	if u.Threshold != nil && (*u.Threshold < 0 || *u.Threshold > 1) {
		return fmt.Errorf("threshold %v outside [0,1]", *u.Threshold)
	}
	if u.MaxInFlight != nil && *u.MaxInFlight < 1 {
		return fmt.Errorf("max_in_flight must be positive")
	}
	return nil
}

// Spec merges the unit config onto the global inference settings
func (u UnitConfig) Spec(name string, global InferenceConfig) inference.Spec {
	spec := inference.Spec{
		Name:        name,
		Type:        u.Type,
		Model:       u.Model,
		Labels:      u.Labels,
		Object:      u.Object,
		KeepOut:     u.KeepOut,
		Threshold:   global.Threshold,
		MaxInFlight: global.MaxInFlight,
	}
	if u.Threshold != nil {
		spec.Threshold = *u.Threshold
	}
	if u.Devices != nil {
		spec.Devices = *u.Devices
	}
	if u.MaxInFlight != nil {
		spec.MaxInFlight = *u.MaxInFlight
	}
	return spec
}
