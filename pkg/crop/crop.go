// Package crop cuts above-threshold detections out of source images.
package crop

import (
	"context"
	"fmt"
	"image"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"github.com/menta2k/detection-postprocess/internal/utils"
	"github.com/menta2k/detection-postprocess/pkg/cropid"
	"github.com/menta2k/detection-postprocess/pkg/executor"
	"github.com/menta2k/detection-postprocess/pkg/processing"
	"github.com/menta2k/detection-postprocess/pkg/render"
)

// OperationName identifies the crop operation in worker processes
const OperationName = "crop"

// Options configures crop generation
type Options struct {
	ImagesDir string `json:"images_dir"`
	OutputDir string `json:"output_dir" validate:"required"`
	// Expansion grows every crop by this many pixels on each side.
	Expansion int  `json:"expansion" validate:"gte=0"`
	Quality   int  `json:"quality" validate:"gte=0,lte=100"`
	Overwrite bool `json:"overwrite"`
}

// DefaultOptions returns the standard crop settings
func DefaultOptions() Options {
	return Options{
		Quality:   95,
		Overwrite: true,
	}
}

var (
	validate = validator.New()
	json     = jsoniter.ConfigCompatibleWithStandardLibrary
)

// Operation writes every crop of one source image per job
type Operation struct {
	opts      Options
	processor *processing.Processor
}

func init() {
	executor.Register(OperationName, func(config []byte) (executor.Operation, error) {
		var opts Options
		if err := json.Unmarshal(config, &opts); err != nil {
			return nil, fmt.Errorf("invalid crop config: %w", err)
		}
		return New(opts)
	})
}

// New validates opts and creates the operation
func New(opts Options) (*Operation, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid crop options: %w", err)
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

// Jobs turns a crop plan into one job per source image, in plan order
func Jobs(plan cropid.Plan) []executor.Job {
	jobs := make([]executor.Job, 0, len(plan.Order))
	for _, file := range plan.Order {
		jobs = append(jobs, executor.Job{File: file, Crops: plan.Jobs[file]})
	}
	return jobs
}

// Apply decodes the source image once and writes all of its crops
func (o *Operation) Apply(ctx context.Context, job executor.Job) executor.Result {
	if job.Failed() {
		return executor.Fail(job, fmt.Errorf("detector failure: %s", *job.Failure))
	}

	src := render.SourcePath(o.opts.ImagesDir, job.File)
	if !utils.FileExists(src) {
		return executor.Missing(job, src)
	}

	var img image.Image
	var artifacts []string
	for _, c := range job.Crops {
		if ctx.Err() != nil {
			return executor.Fail(job, ctx.Err())
		}
		if c.Image != job.File {
			return executor.Fail(job, fmt.Errorf("crop %s belongs to %s", c.Filename, c.Image))
		}
		out := OutputPath(o.opts.OutputDir, c.Filename)
		if !o.opts.Overwrite && utils.FileExists(out) {
			artifacts = append(artifacts, out)
			continue
		}

		// decoded at most once, and only when a crop needs writing
		if img == nil {
			var err error
			if img, err = o.processor.Open(src); err != nil {
				return executor.Fail(job, err)
			}
		}
		cropped, err := o.processor.CropToBox(img, c.Detection.BBox, o.opts.Expansion)
		if err != nil {
			return executor.Fail(job, fmt.Errorf("crop %d: %w", c.CropID, err))
		}
		if err := o.processor.Save(cropped, out, o.opts.Quality); err != nil {
			return executor.Fail(job, fmt.Errorf("failed to save %s: %w", out, err))
		}
		artifacts = append(artifacts, out)
	}
	return executor.OK(job, artifacts...)
}

// OutputPath is where a crop with the given relative file name is written
func OutputPath(outputDir, cropFilename string) string {
	return filepath.Join(outputDir, filepath.FromSlash(utils.ToSlash(cropFilename)))
}
