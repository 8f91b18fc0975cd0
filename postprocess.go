// Package postprocess turns detector output documents into browsable
// artifacts and back again.
//
// Three batch flows are provided:
//
//  1. Visualize renders every selected record's boxes onto a copy of its
//     source image and writes an HTML index of the results.
//  2. CreateCropFolder gives every above-threshold detection a crop id, cuts
//     the crops into a folder and writes the with-ids and crop-level documents.
//  3. CropResultsToImageResults merges a classifier's crop-level results back
//     onto the with-ids image-level document.
//
// Basic usage:
//
//	cfg := config.Default()
//	pp, err := postprocess.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	res, err := pp.Visualize(ctx, "md_results.json", "preview", "images")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(res.Summary)
//
// Per-image failures never abort a batch; they are reported in the returned
// results and summary. Errors are returned only for problems with the input
// documents or the configuration.
package postprocess

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/detection-postprocess/internal/config"
	"github.com/menta2k/detection-postprocess/internal/ledger"
	"github.com/menta2k/detection-postprocess/internal/utils"
	"github.com/menta2k/detection-postprocess/pkg/crop"
	"github.com/menta2k/detection-postprocess/pkg/cropid"
	"github.com/menta2k/detection-postprocess/pkg/executor"
	"github.com/menta2k/detection-postprocess/pkg/labels"
	"github.com/menta2k/detection-postprocess/pkg/log"
	"github.com/menta2k/detection-postprocess/pkg/reconcile"
	"github.com/menta2k/detection-postprocess/pkg/records"
	"github.com/menta2k/detection-postprocess/pkg/render"
	"github.com/menta2k/detection-postprocess/pkg/report"
	"github.com/menta2k/detection-postprocess/pkg/results"
	"github.com/menta2k/detection-postprocess/pkg/selection"
	"github.com/menta2k/detection-postprocess/pkg/types"
)

// Version of the postprocess library
const Version = "1.0.0"

// IndexFile is the name of the HTML index written next to rendered images
const IndexFile = "index.html"

// Postprocessor runs the batch flows with one configuration
type Postprocessor struct {
	cfg      *config.Config
	logger   logrus.FieldLogger
	strategy executor.Strategy
	progress func(done, total int)
	ledger   *ledger.Ledger
}

// Option customizes a Postprocessor
type Option func(*Postprocessor)

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Postprocessor) { p.logger = l }
}

// WithStrategy overrides the configured parallelism strategy
func WithStrategy(s executor.Strategy) Option {
	return func(p *Postprocessor) { p.strategy = s }
}

// WithProgress sets a callback invoked after every finished job
func WithProgress(fn func(done, total int)) Option {
	return func(p *Postprocessor) { p.progress = fn }
}

// WithLedger records every run in l
func WithLedger(l *ledger.Ledger) Option {
	return func(p *Postprocessor) { p.ledger = l }
}

// New validates cfg and creates a Postprocessor
func New(cfg *config.Config, opts ...Option) (*Postprocessor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &Postprocessor{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	if p.strategy == nil {
		s, err := executor.NewStrategy(cfg.Execution.Parallelism, cfg.Execution.Workers, p.logger)
		if err != nil {
			return nil, err
		}
		p.strategy = s
	}
	return p, nil
}

// Config returns the configuration in use
func (p *Postprocessor) Config() *config.Config { return p.cfg }

// VisualizeResult describes a finished render batch
type VisualizeResult struct {
	Threshold float64
	Results   []executor.Result
	Summary   results.Summary
	// IndexPath is empty when no index was written.
	IndexPath string
	RunID     string
}

// Visualize renders the records of the detector output at detectorOutputPath
// whose source images live under imagesDir into outDir
func (p *Postprocessor) Visualize(ctx context.Context, detectorOutputPath, outDir, imagesDir string) (VisualizeResult, error) {
	doc, err := records.Load(detectorOutputPath)
	if err != nil {
		return VisualizeResult{}, err
	}
	if err := records.Validate(doc); err != nil {
		return VisualizeResult{}, err
	}

	sel, err := selection.Select(doc, p.cfg.Policy())
	if err != nil {
		return VisualizeResult{}, err
	}

	opts := p.cfg.RenderOptions(imagesDir, outDir, sel.Threshold)
	opts.DetectorLabels = labels.DetectorLabels(doc)
	opts.ClassificationLabels = labels.ClassificationLabels(doc)
	op, err := render.New(opts)
	if err != nil {
		return VisualizeResult{}, err
	}
	if err := utils.EnsureDir(outDir); err != nil {
		return VisualizeResult{}, err
	}

	jobs := make([]executor.Job, len(sel.Entries))
	for i, e := range sel.Entries {
		jobs[i] = executor.NewJob(e.Record, e.Skipped)
	}

	p.logger.WithFields(log.Fields{
		"input":     detectorOutputPath,
		"images":    len(doc.Images),
		"selected":  len(jobs),
		"threshold": sel.Threshold,
	}).Info("Rendering detector output")

	res, runID := p.run(ctx, render.OperationName, detectorOutputPath, outDir, jobs, op)
	out := VisualizeResult{
		Threshold: sel.Threshold,
		Results:   res,
		Summary:   results.Summarize(res),
		RunID:     runID,
	}
	out.Summary.Log(p.logger, render.OperationName)

	if p.cfg.Render.WriteIndex {
		indexPath := filepath.Join(outDir, IndexFile)
		err := report.WriteIndex(indexPath, report.RelativeTo(outDir, out.Summary.ArtifactPaths), report.Options{
			Title:    p.cfg.Render.IndexTitle,
			MaxWidth: max(p.cfg.Render.OutputImageWidth, 0),
		})
		if err != nil {
			p.logger.WithField("error", err).Error("Failed to write index")
		} else {
			out.IndexPath = indexPath
		}
	}
	return out, nil
}

// CropFolderResult describes a finished crop batch
type CropFolderResult struct {
	CropCount int
	Results   []executor.Result
	Summary   results.Summary
	// WithIDsPath and CropResultsPath are empty when not requested.
	WithIDsPath     string
	CropResultsPath string
	RunID           string
}

// CreateCropFolder writes every detection above the crop threshold as its own
// image under outDir. When set, withIDsPath receives the input document with
// crop ids attached, and cropResultsPath a crop-level document with one
// full-frame detection per crop.
func (p *Postprocessor) CreateCropFolder(ctx context.Context, detectorOutputPath, imagesDir, outDir, withIDsPath, cropResultsPath string) (CropFolderResult, error) {
	if !utils.DirExists(imagesDir) {
		return CropFolderResult{}, fmt.Errorf("input folder %s not found", imagesDir)
	}
	doc, err := records.Load(detectorOutputPath)
	if err != nil {
		return CropFolderResult{}, err
	}
	if err := records.Validate(doc); err != nil {
		return CropFolderResult{}, err
	}

	op, err := crop.New(p.cfg.CropOptions(imagesDir, outDir))
	if err != nil {
		return CropFolderResult{}, err
	}
	plan, err := cropid.Assign(doc, p.cfg.Crop.ConfidenceThreshold)
	if err != nil {
		return CropFolderResult{}, err
	}

	p.logger.WithFields(log.Fields{
		"crops":  plan.CropCount,
		"images": len(plan.Order),
		"total":  len(doc.Images),
	}).Info("Prepared crop list")

	out := CropFolderResult{CropCount: plan.CropCount}

	// ids are only meaningful against the document as it is right now
	if withIDsPath != "" {
		if err := records.Save(doc, withIDsPath); err != nil {
			return CropFolderResult{}, fmt.Errorf("failed to write results with crop ids: %w", err)
		}
		out.WithIDsPath = withIDsPath
	}
	if err := utils.EnsureDir(outDir); err != nil {
		return CropFolderResult{}, err
	}

	res, runID := p.run(ctx, crop.OperationName, detectorOutputPath, outDir, crop.Jobs(plan), op)
	out.Results = res
	out.Summary = results.Summarize(res)
	out.RunID = runID
	out.Summary.Log(p.logger, crop.OperationName)

	if cropResultsPath != "" {
		if err := records.Save(cropid.BuildCropDocument(doc), cropResultsPath); err != nil {
			return out, fmt.Errorf("failed to write crop results: %w", err)
		}
		out.CropResultsPath = cropResultsPath
	}
	return out, nil
}

// CropResultsToImageResults maps crop-level classifications back onto the
// image-level document written by CreateCropFolder
func (p *Postprocessor) CropResultsToImageResults(withIDsPath, cropResultsPath, outPath string) (*types.DetectionDocument, error) {
	merged, err := reconcile.ReconcileFiles(withIDsPath, cropResultsPath, outPath)
	if err != nil {
		return nil, err
	}
	p.logger.WithFields(log.Fields{"output": outPath, "images": len(merged.Images)}).Info("Mapped crop results to images")
	return merged, nil
}

func (p *Postprocessor) run(ctx context.Context, operation, input, output string, jobs []executor.Job, op executor.Operation) ([]executor.Result, string) {
	runID := ""
	if p.ledger != nil {
		id, err := p.ledger.StartRun(ctx, operation, input, output)
		if err != nil {
			p.logger.WithField("error", err).Warn("Failed to record run start")
		} else {
			runID = id
		}
	}

	runner := executor.New(executor.Options{Strategy: p.strategy, Logger: p.logger, Progress: p.progress})
	res := runner.Run(ctx, jobs, op)

	if runID != "" {
		if err := p.ledger.FinishRun(ctx, runID, res); err != nil {
			p.logger.WithFields(log.Fields{"run_id": runID, "error": err}).Warn("Failed to record run results")
		}
	}
	return res, runID
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
