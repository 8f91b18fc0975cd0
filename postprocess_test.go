package postprocess

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/menta2k/detection-postprocess/internal/config"
	"github.com/menta2k/detection-postprocess/internal/ledger"
	"github.com/menta2k/detection-postprocess/pkg/executor"
	"github.com/menta2k/detection-postprocess/pkg/log"
	"github.com/menta2k/detection-postprocess/pkg/records"
	"github.com/menta2k/detection-postprocess/pkg/selection"
	"github.com/menta2k/detection-postprocess/pkg/types"
)

const detectorOutput = `{
  "info": {"detector": "md_v5a.0.0.pt"},
  "detection_categories": {"1": "animal", "2": "person"},
  "images": [
    {"file": "A.jpg", "detections": [
      {"category": "1", "conf": 0.9, "bbox": [0.1, 0.1, 0.5, 0.5]},
      {"category": "2", "conf": 0.05, "bbox": [0.6, 0.6, 0.2, 0.2]}
    ]},
    {"file": "B.jpg", "detections": [
      {"category": "1", "conf": 0.05, "bbox": [0.2, 0.2, 0.3, 0.3]}
    ]}
  ]
}`

// createTestImage writes a gradient image so crops and renders have content
func createTestImage(t *testing.T, path string, width, height int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 64, 255})
		}
	}
	if err := imaging.Save(img, path); err != nil {
		t.Fatal(err)
	}
}

type fixture struct {
	imagesDir string
	outDir    string
	input     string
}

func newFixture(t *testing.T, files ...string) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		imagesDir: filepath.Join(dir, "images"),
		outDir:    filepath.Join(dir, "out"),
		input:     filepath.Join(dir, "md.json"),
	}
	if err := os.MkdirAll(f.imagesDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range files {
		createTestImage(t, filepath.Join(f.imagesDir, name), 200, 100)
	}
	if err := os.WriteFile(f.input, []byte(detectorOutput), 0644); err != nil {
		t.Fatal(err)
	}
	return f
}

func newTestPostprocessor(t *testing.T, cfg *config.Config, opts ...Option) *Postprocessor {
	t.Helper()
	opts = append([]Option{WithLogger(log.Discard()), WithStrategy(executor.Sequential{})}, opts...)
	p, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Execution.Parallelism = "gpu"
	if _, err := New(cfg); err == nil {
		t.Error("Expected error for unknown parallelism")
	}
}

func TestVisualize(t *testing.T) {
	f := newFixture(t, "A.jpg", "B.jpg")
	cfg := config.Default()
	cfg.Selection.ConfidenceThreshold = selection.Threshold(0.2)
	cfg.Selection.RenderDetectionsOnly = true
	p := newTestPostprocessor(t, cfg)

	res, err := p.Visualize(context.Background(), f.input, f.outDir, f.imagesDir)
	if err != nil {
		t.Fatalf("Visualize failed: %v", err)
	}

	if res.Threshold != 0.2 {
		t.Errorf("Expected threshold 0.2, got %v", res.Threshold)
	}
	if len(res.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(res.Results))
	}
	if res.Results[0].Kind != executor.KindOK || res.Results[1].Kind != executor.KindSkipped {
		t.Errorf("Unexpected kinds: %s, %s", res.Results[0].Kind, res.Results[1].Kind)
	}
	if res.Summary.OK != 1 || res.Summary.Skipped != 1 {
		t.Errorf("Unexpected summary: %s", res.Summary)
	}

	annotated := filepath.Join(f.outDir, "anno_A.jpg")
	img, err := imaging.Open(annotated)
	if err != nil {
		t.Fatalf("Annotated image not written: %v", err)
	}
	if img.Bounds().Dx() != 700 {
		t.Errorf("Expected width 700, got %d", img.Bounds().Dx())
	}
	if _, err := os.Stat(filepath.Join(f.outDir, "anno_B.jpg")); !os.IsNotExist(err) {
		t.Error("Skipped image should not be rendered")
	}

	if res.IndexPath != filepath.Join(f.outDir, IndexFile) {
		t.Fatalf("Unexpected index path %q", res.IndexPath)
	}
	page, err := os.ReadFile(res.IndexPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(page), `src="anno_A.jpg"`) || strings.Contains(string(page), "anno_B.jpg") {
		t.Errorf("Index lists the wrong images:\n%s", page)
	}
}

func TestVisualizeMissingSource(t *testing.T) {
	f := newFixture(t, "A.jpg")
	cfg := config.Default()
	cfg.Selection.ConfidenceThreshold = selection.Threshold(0.2)
	p := newTestPostprocessor(t, cfg)

	res, err := p.Visualize(context.Background(), f.input, f.outDir, f.imagesDir)
	if err != nil {
		t.Fatalf("Visualize failed: %v", err)
	}
	if res.Summary.OK != 1 || res.Summary.Missing != 1 {
		t.Errorf("Unexpected summary: %s", res.Summary)
	}
	if res.Results[1].Kind != executor.KindMissingSource || !strings.Contains(res.Results[1].Error, "B.jpg") {
		t.Errorf("Expected missing source for B.jpg, got %+v", res.Results[1])
	}
}

func TestVisualizeTypicalThreshold(t *testing.T) {
	f := newFixture(t, "A.jpg", "B.jpg")
	p := newTestPostprocessor(t, config.Default())

	res, err := p.Visualize(context.Background(), f.input, f.outDir, f.imagesDir)
	if err != nil {
		t.Fatalf("Visualize failed: %v", err)
	}
	if res.Threshold != selection.DefaultMDv5Threshold {
		t.Errorf("Expected default threshold %v, got %v", selection.DefaultMDv5Threshold, res.Threshold)
	}
}

func TestVisualizeRejectsOversizedSample(t *testing.T) {
	f := newFixture(t, "A.jpg", "B.jpg")
	cfg := config.Default()
	cfg.Selection.SampleSize = 5
	p := newTestPostprocessor(t, cfg)

	if _, err := p.Visualize(context.Background(), f.input, f.outDir, f.imagesDir); err == nil {
		t.Error("Expected error for sample larger than the document")
	}
}

func TestVisualizeRecordsRun(t *testing.T) {
	f := newFixture(t, "A.jpg", "B.jpg")
	l, err := ledger.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	cfg := config.Default()
	cfg.Selection.ConfidenceThreshold = selection.Threshold(0.2)
	p := newTestPostprocessor(t, cfg, WithLedger(l))

	res, err := p.Visualize(context.Background(), f.input, f.outDir, f.imagesDir)
	if err != nil {
		t.Fatalf("Visualize failed: %v", err)
	}
	if res.RunID == "" {
		t.Fatal("Expected a run id")
	}
	run, err := l.Run(context.Background(), res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Operation != "render" || run.OK != 2 {
		t.Errorf("Unexpected recorded run: %+v", run)
	}
}

func TestCropRoundTrip(t *testing.T) {
	f := newFixture(t, "A.jpg", "B.jpg")
	cfg := config.Default()
	cfg.Crop.ConfidenceThreshold = 0.1
	p := newTestPostprocessor(t, cfg)

	withIDs := filepath.Join(f.outDir, "with_ids.json")
	cropResults := filepath.Join(f.outDir, "crops.json")
	cropDir := filepath.Join(f.outDir, "crops")

	res, err := p.CreateCropFolder(context.Background(), f.input, f.imagesDir, cropDir, withIDs, cropResults)
	if err != nil {
		t.Fatalf("CreateCropFolder failed: %v", err)
	}
	if res.CropCount != 1 || res.Summary.OK != 1 {
		t.Fatalf("Expected one crop, got %d (%s)", res.CropCount, res.Summary)
	}

	crop, err := imaging.Open(filepath.Join(cropDir, "A_crop_000.jpg"))
	if err != nil {
		t.Fatalf("Crop not written: %v", err)
	}
	if crop.Bounds().Dx() != 100 || crop.Bounds().Dy() != 50 {
		t.Errorf("Unexpected crop size %v", crop.Bounds())
	}

	doc, err := records.Load(withIDs)
	if err != nil {
		t.Fatal(err)
	}
	dets := doc.Images[0].Detections()
	if dets[0].CropID == nil || *dets[0].CropID != 0 || dets[0].CropFilenameRelative != "A_crop_000.jpg" {
		t.Errorf("Crop id not attached: %+v", dets[0])
	}
	if dets[1].CropID != nil {
		t.Errorf("Below-threshold detection got a crop id: %+v", dets[1])
	}

	crops, err := records.Load(cropResults)
	if err != nil {
		t.Fatal(err)
	}
	if len(crops.Images) != 1 || crops.Images[0].File != "A_crop_000.jpg" {
		t.Fatalf("Unexpected crop document: %+v", crops.Images)
	}

	// classify the crop the way a downstream classifier would
	crops.ClassificationCategories = map[string]string{"0": "deer"}
	cropDets := crops.Images[0].Detections()
	cropDets[0].Classifications = []types.Classification{{Category: "0", Score: 0.95}}
	if err := records.Save(crops, cropResults); err != nil {
		t.Fatal(err)
	}

	merged, err := p.CropResultsToImageResults(withIDs, cropResults, filepath.Join(f.outDir, "merged.json"))
	if err != nil {
		t.Fatalf("CropResultsToImageResults failed: %v", err)
	}
	got := merged.Images[0].Detections()[0]
	if len(got.Classifications) != 1 || got.Classifications[0].Category != "0" {
		t.Errorf("Classifications not mapped back: %+v", got)
	}
	if merged.ClassificationCategories["0"] != "deer" {
		t.Errorf("Classification categories not carried: %v", merged.ClassificationCategories)
	}
}

func TestCreateCropFolderMissingImagesDir(t *testing.T) {
	f := newFixture(t)
	p := newTestPostprocessor(t, config.Default())
	_, err := p.CreateCropFolder(context.Background(), f.input, filepath.Join(f.imagesDir, "nope"), f.outDir, "", "")
	if err == nil {
		t.Error("Expected error for missing images folder")
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("GetVersion() = %q, expected %q", GetVersion(), Version)
	}
}
