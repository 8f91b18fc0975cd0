package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/detection-postprocess/pkg/crop"
	"github.com/menta2k/detection-postprocess/pkg/render"
	"github.com/menta2k/detection-postprocess/pkg/selection"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MDPP_"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the application configuration
type Config struct {
	Selection SelectionConfig `json:"selection" yaml:"selection"`
	Render    RenderConfig    `json:"render" yaml:"render"`
	Crop      CropConfig      `json:"crop" yaml:"crop"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Ledger    LedgerConfig    `json:"ledger" yaml:"ledger"`
}

// SelectionConfig holds configuration for picking records to render
type SelectionConfig struct {
	// ConfidenceThreshold unset derives the detector's typical threshold.
	ConfidenceThreshold  *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	SampleSize           int      `json:"sample_size" yaml:"sample_size" validate:"gte=-1"`
	RandomSeed           *int64   `json:"random_seed,omitempty" yaml:"random_seed,omitempty"`
	RenderDetectionsOnly bool     `json:"render_detections_only" yaml:"render_detections_only"`
}

// RenderConfig holds configuration for annotated image output
type RenderConfig struct {
	ClassificationThreshold float64 `json:"classification_confidence_threshold" yaml:"classification_confidence_threshold" validate:"gte=0,lte=1"`
	MaxClassifications      int     `json:"max_classifications" yaml:"max_classifications" validate:"gte=0"`
	OutputImageWidth        int     `json:"output_image_width" yaml:"output_image_width" validate:"gte=-1"`
	PreservePathStructure   bool    `json:"preserve_path_structure" yaml:"preserve_path_structure"`
	Overwrite               bool    `json:"overwrite" yaml:"overwrite"`
	Quality                 int     `json:"quality" yaml:"quality" validate:"gte=0,lte=100"`
	WriteIndex              bool    `json:"write_index" yaml:"write_index"`
	IndexTitle              string  `json:"index_title" yaml:"index_title"`
}

// CropConfig holds configuration for crop folder generation
type CropConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	Expansion           int     `json:"expansion" yaml:"expansion" validate:"gte=0"`
	Quality             int     `json:"quality" yaml:"quality" validate:"gte=0,lte=100"`
	Overwrite           bool    `json:"overwrite" yaml:"overwrite"`
}

// ExecutionConfig holds configuration for the worker pool
type ExecutionConfig struct {
	Parallelism string `json:"parallelism" yaml:"parallelism" validate:"oneof=sequential thread process"`
	// Workers 0 uses one worker per CPU.
	Workers int `json:"workers" yaml:"workers" validate:"gte=0"`
}

// LoggingConfig holds configuration for log output
type LoggingConfig struct {
	Level    string `json:"level" yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	File     string `json:"file,omitempty" yaml:"file,omitempty"`
	NoColors bool   `json:"no_colors" yaml:"no_colors"`
}

// LedgerConfig holds configuration for the run ledger; an empty path disables it
type LedgerConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Default returns a configuration with default values
func Default() *Config {
	r := render.DefaultOptions()
	c := crop.DefaultOptions()
	return &Config{
		Selection: SelectionConfig{
			SampleSize: -1,
		},
		Render: RenderConfig{
			ClassificationThreshold: r.ClassificationThreshold,
			MaxClassifications:      r.MaxClassifications,
			OutputImageWidth:        r.OutputImageWidth,
			Overwrite:               r.Overwrite,
			WriteIndex:              true,
			IndexTitle:              "Detection results",
		},
		Crop: CropConfig{
			ConfidenceThreshold: 0.1,
			Expansion:           c.Expansion,
			Quality:             c.Quality,
			Overwrite:           c.Overwrite,
		},
		Execution: ExecutionConfig{
			Parallelism: "thread",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration as JSON or YAML depending on the extension
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyEnv loads envFile when it exists, then applies MDPP_* overrides
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}

	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := lookup("LOG_FILE"); ok {
		c.Logging.File = v
	}
	if v, ok := lookup("PARALLELISM"); ok {
		c.Execution.Parallelism = v
	}
	if v, ok := lookup("LEDGER"); ok {
		c.Ledger.Path = v
	}
	if v, ok := lookup("WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWORKERS: %w", EnvPrefix, err)
		}
		c.Execution.Workers = n
	}
	if v, ok := lookup("CONFIDENCE_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sCONFIDENCE_THRESHOLD: %w", EnvPrefix, err)
		}
		c.Selection.ConfidenceThreshold = &f
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

var validate = validator.New()

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return nil
}

// Policy converts the selection section
func (c *Config) Policy() selection.Policy {
	return selection.Policy{
		ConfidenceThreshold:  c.Selection.ConfidenceThreshold,
		SampleSize:           c.Selection.SampleSize,
		RandomSeed:           c.Selection.RandomSeed,
		RenderDetectionsOnly: c.Selection.RenderDetectionsOnly,
	}
}

// RenderOptions converts the render section; the confidence threshold comes from selection
func (c *Config) RenderOptions(imagesDir, outputDir string, threshold float64) render.Options {
	return render.Options{
		ImagesDir:               imagesDir,
		OutputDir:               outputDir,
		ConfidenceThreshold:     threshold,
		ClassificationThreshold: c.Render.ClassificationThreshold,
		MaxClassifications:      c.Render.MaxClassifications,
		OutputImageWidth:        c.Render.OutputImageWidth,
		PreservePathStructure:   c.Render.PreservePathStructure,
		Overwrite:               c.Render.Overwrite,
		Quality:                 c.Render.Quality,
	}
}

// CropOptions converts the crop section
func (c *Config) CropOptions(imagesDir, outputDir string) crop.Options {
	return crop.Options{
		ImagesDir: imagesDir,
		OutputDir: outputDir,
		Expansion: c.Crop.Expansion,
		Quality:   c.Crop.Quality,
		Overwrite: c.Crop.Overwrite,
	}
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "md-postprocess", "config.json")
}
