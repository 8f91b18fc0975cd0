// Package cropid assigns stable per-detection crop identifiers and derives
// crop file names.
//
// A crop id is the detection's zero-based index in its image's detection list
// at assignment time, not a count of crops that passed the threshold. Ids are
// therefore not contiguous when detections are filtered, and a detection keeps
// the same id whatever threshold a later pass uses. Callers must not reorder
// or remove detections after ids are assigned; the with-ids document written
// right after assignment is the only reliable key for reconciliation.
package cropid

import (
	"fmt"
	"strconv"

	"github.com/menta2k/detection-postprocess/internal/utils"
	"github.com/menta2k/detection-postprocess/pkg/selection"
	"github.com/menta2k/detection-postprocess/pkg/types"
)

// CropJob describes one crop to cut from a source image
type CropJob struct {
	Image     string          `json:"image"`
	CropID    int             `json:"crop_id"`
	Filename  string          `json:"filename"`
	Detection types.Detection `json:"detection"`
}

// Plan groups crop jobs by source image so one decode serves all crops of an image
type Plan struct {
	// Order lists source images in document order.
	Order     []string
	Jobs      map[string][]CropJob
	CropCount int
}

// CropFilename inserts "crop_<token>" before the extension of imageFn.
// Numeric tokens are zero padded to three digits; anything else is used verbatim.
func CropFilename(imageFn, token string) string {
	if id, err := strconv.Atoi(token); err == nil && id >= 0 {
		return CropFilenameForID(imageFn, id)
	}
	return utils.InsertBeforeExtension(imageFn, "crop_"+token, "_")
}

// CropFilenameForID derives the crop file name for a numeric crop id
func CropFilenameForID(imageFn string, id int) string {
	return utils.InsertBeforeExtension(imageFn, fmt.Sprintf("crop_%03d", id), "_")
}

// Assign gives every detection with conf > threshold a crop id and crop file
// name, mutating doc in place, and returns the resulting crop plan
func Assign(doc *types.DetectionDocument, threshold float64) (Plan, error) {
	if threshold < 0 || threshold > 1 {
		return Plan{}, &selection.ConfigError{Field: "confidence_threshold", Reason: fmt.Sprintf("%v must be in [0, 1]", threshold)}
	}

	plan := Plan{Jobs: make(map[string][]CropJob)}
	for i := range doc.Images {
		rec := &doc.Images[i]
		dets := rec.Detections()
		if len(dets) == 0 {
			continue
		}

		for j := range dets {
			d := &dets[j]
			if d.Conf <= threshold {
				continue
			}
			id := j
			d.CropID = &id
			d.CropFilenameRelative = CropFilenameForID(rec.File, id)

			if _, seen := plan.Jobs[rec.File]; !seen {
				plan.Order = append(plan.Order, rec.File)
			}
			plan.Jobs[rec.File] = append(plan.Jobs[rec.File], CropJob{
				Image:     rec.File,
				CropID:    id,
				Filename:  d.CropFilenameRelative,
				Detection: d.Clone(),
			})
			plan.CropCount++
		}
	}
	return plan, nil
}

// BuildCropDocument synthesizes a crop-level document: one full-frame record per
// detection that carries a crop id, with the source category and confidence
func BuildCropDocument(doc *types.DetectionDocument) *types.DetectionDocument {
	out := &types.DetectionDocument{
		Info:                     append([]byte(nil), doc.Info...),
		DetectionCategories:      copyMap(doc.DetectionCategories),
		ClassificationCategories: copyMap(doc.ClassificationCategories),
		Images:                   []types.DetectionRecord{},
	}
	if len(doc.Info) == 0 {
		out.Info = nil
	}

	for i := range doc.Images {
		for _, d := range doc.Images[i].Detections() {
			if d.CropID == nil {
				continue
			}
			out.Images = append(out.Images, types.NewDetectedRecord(d.CropFilenameRelative, []types.Detection{{
				Category: d.Category,
				Conf:     d.Conf,
				BBox:     types.FullFrame,
			}}))
		}
	}
	return out
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
