// Package render draws detector boxes onto source images.
package render

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"github.com/menta2k/detection-postprocess/internal/utils"
	"github.com/menta2k/detection-postprocess/pkg/executor"
	"github.com/menta2k/detection-postprocess/pkg/processing"
)

// OperationName identifies the render operation in worker processes
const OperationName = "render"

// AnnotatedPrefix is prepended to flattened output file names
const AnnotatedPrefix = "anno_"

// Options configures rendering
type Options struct {
	ImagesDir               string  `json:"images_dir"`
	OutputDir               string  `json:"output_dir" validate:"required"`
	ConfidenceThreshold     float64 `json:"confidence_threshold" validate:"gte=0,lte=1"`
	ClassificationThreshold float64 `json:"classification_confidence_threshold" validate:"gte=0,lte=1"`
	MaxClassifications      int     `json:"max_classifications" validate:"gte=0"`
	// OutputImageWidth -1 keeps the source size.
	OutputImageWidth      int  `json:"output_image_width" validate:"gte=-1"`
	PreservePathStructure bool `json:"preserve_path_structure"`
	Overwrite             bool `json:"overwrite"`
	// Quality 0 uses the processing default.
	Quality              int               `json:"quality" validate:"gte=0,lte=100"`
	DetectorLabels       map[string]string `json:"detector_labels,omitempty"`
	ClassificationLabels map[string]string `json:"classification_labels,omitempty"`
}

// DefaultOptions returns the standard render settings
func DefaultOptions() Options {
	return Options{
		ConfidenceThreshold:     0.15,
		ClassificationThreshold: 0.1,
		MaxClassifications:      3,
		OutputImageWidth:        700,
		Overwrite:               true,
	}
}

var (
	validate = validator.New()
	json     = jsoniter.ConfigCompatibleWithStandardLibrary
)

// Operation renders one annotated image per job
type Operation struct {
	opts      Options
	processor *processing.Processor
}

func init() {
	executor.Register(OperationName, func(config []byte) (executor.Operation, error) {
		var opts Options
		if err := json.Unmarshal(config, &opts); err != nil {
			return nil, fmt.Errorf("invalid render config: %w", err)
		}
		return New(opts)
	})
}

// New validates opts and creates the operation
func New(opts Options) (*Operation, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid render options: %w", err)
	}
	return &Operation{opts: opts, processor: processing.NewProcessor()}, nil
}

func (o *Operation) Name() string { return OperationName }

// Options returns the operation's settings
func (o *Operation) Options() Options { return o.opts }

func (o *Operation) Spec() (executor.OperationSpec, error) {
	data, err := json.Marshal(o.opts)
	if err != nil {
		return executor.OperationSpec{}, err
	}
	return executor.OperationSpec{Name: OperationName, Config: data}, nil
}

// Apply renders one image. Detector failures are checked before the source
// file is looked up.
func (o *Operation) Apply(ctx context.Context, job executor.Job) executor.Result {
	if job.Failed() {
		return executor.Fail(job, fmt.Errorf("detector failure: %s", *job.Failure))
	}

	src := SourcePath(o.opts.ImagesDir, job.File)
	if !utils.FileExists(src) {
		return executor.Missing(job, src)
	}

	out, err := OutputPath(o.opts, job.File)
	if err != nil {
		return executor.Fail(job, err)
	}
	if !o.opts.Overwrite && utils.FileExists(out) {
		return executor.OK(job, out)
	}

	img, err := o.processor.Open(src)
	if err != nil {
		return executor.Fail(job, err)
	}
	img = o.processor.Resize(img, o.opts.OutputImageWidth)

	annotated := o.processor.DrawDetections(img, job.Detections, processing.DrawOptions{
		ConfidenceThreshold:     o.opts.ConfidenceThreshold,
		ClassificationThreshold: o.opts.ClassificationThreshold,
		MaxClassifications:      o.opts.MaxClassifications,
		DetectorLabels:          o.opts.DetectorLabels,
		ClassificationLabels:    o.opts.ClassificationLabels,
	})
	if err := o.processor.Save(annotated, out, o.opts.Quality); err != nil {
		return executor.Fail(job, fmt.Errorf("failed to save %s: %w", out, err))
	}
	return executor.OK(job, out)
}

// SourcePath resolves a record's file against the images directory
func SourcePath(imagesDir, file string) string {
	if imagesDir == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(imagesDir, filepath.FromSlash(utils.ToSlash(file)))
}

// OutputPath is where the annotated copy of file is written: flattened into
// OutputDir with the anno_ prefix, or mirroring the relative path
func OutputPath(opts Options, file string) (string, error) {
	if !opts.PreservePathStructure {
		return filepath.Join(opts.OutputDir, AnnotatedPrefix+utils.FlattenPath(file)), nil
	}
	if utils.IsAbs(file) {
		return "", fmt.Errorf("cannot preserve path structure for absolute path %s", file)
	}
	return filepath.Join(opts.OutputDir, filepath.FromSlash(utils.ToSlash(file))), nil
}
