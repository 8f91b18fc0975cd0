// Package reconcile merges crop-level classification results back onto the
// image-level document the crops were cut from.
package reconcile

import (
	"fmt"

	"github.com/menta2k/detection-postprocess/pkg/log"
	"github.com/menta2k/detection-postprocess/pkg/records"
	"github.com/menta2k/detection-postprocess/pkg/types"
)

// ReconciliationError means the two documents do not come from a consistent
// pair of runs. Detection is -1 for document-level mismatches.
type ReconciliationError struct {
	File      string
	Detection int
	Reason    string
}

func (e *ReconciliationError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("reconciliation failed: %s", e.Reason)
	}
	return fmt.Sprintf("reconciliation failed for %s detection %d: %s", e.File, e.Detection, e.Reason)
}

// Reconcile returns a copy of imageDoc in which every detection carrying a
// crop id takes its classifications from the matching crop record. Neither
// input is modified.
func Reconcile(imageDoc, cropDoc *types.DetectionDocument) (*types.DetectionDocument, error) {
	if !sameCategories(imageDoc.DetectionCategories, cropDoc.DetectionCategories) {
		return nil, &ReconciliationError{
			Detection: -1,
			Reason:    fmt.Sprintf("detection categories differ: %v vs %v", imageDoc.DetectionCategories, cropDoc.DetectionCategories),
		}
	}

	cropIndex := make(map[string]*types.DetectionRecord, len(cropDoc.Images))
	for i := range cropDoc.Images {
		cropIndex[cropDoc.Images[i].File] = &cropDoc.Images[i]
	}

	out := imageDoc.Clone()
	out.ClassificationCategories = copyMap(cropDoc.ClassificationCategories)

	merged := 0
	for i := range out.Images {
		rec := &out.Images[i]
		dets := rec.Detections()
		for j := range dets {
			d := &dets[j]
			if d.CropID == nil {
				continue
			}
			fail := func(format string, args ...interface{}) error {
				return &ReconciliationError{File: rec.File, Detection: j, Reason: fmt.Sprintf(format, args...)}
			}

			if d.CropFilenameRelative == "" {
				return nil, fail("crop id %d has no crop filename", *d.CropID)
			}
			crop, ok := cropIndex[d.CropFilenameRelative]
			if !ok {
				return nil, fail("crop %s not found in crop results", d.CropFilenameRelative)
			}
			if reason, failed := crop.Failure(); failed {
				return nil, fail("crop %s failed: %s", crop.File, reason)
			}
			cropDets := crop.Detections()
			if len(cropDets) != 1 {
				return nil, fail("crop %s has %d detections, expected 1", crop.File, len(cropDets))
			}
			c := cropDets[0]
			if c.Category != d.Category {
				return nil, fail("crop %s category %s does not match %s", crop.File, c.Category, d.Category)
			}
			if c.Conf != d.Conf {
				return nil, fail("crop %s confidence %v does not match %v", crop.File, c.Conf, d.Conf)
			}
			if c.BBox != types.FullFrame {
				return nil, fail("crop %s box %v is not full frame", crop.File, c.BBox)
			}

			d.Classifications = append([]types.Classification(nil), c.Classifications...)
			merged++
		}
	}

	log.Debug(log.Fields{"images": len(out.Images), "merged": merged}, "Reconciled crop results")
	return out, nil
}

// ReconcileFiles reconciles two documents on disk and writes the merged result
func ReconcileFiles(imagePath, cropPath, outPath string) (*types.DetectionDocument, error) {
	imageDoc, err := records.Load(imagePath)
	if err != nil {
		return nil, err
	}
	cropDoc, err := records.Load(cropPath)
	if err != nil {
		return nil, err
	}

	merged, err := Reconcile(imageDoc, cropDoc)
	if err != nil {
		return nil, err
	}
	if err := records.Save(merged, outPath); err != nil {
		return nil, fmt.Errorf("failed to write reconciled results: %w", err)
	}

	log.Info(log.Fields{"output": outPath, "images": len(merged.Images)}, "Wrote reconciled results")
	return merged, nil
}

func sameCategories(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
