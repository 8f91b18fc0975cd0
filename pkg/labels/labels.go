// Package labels resolves category ids to display names.
package labels

import "github.com/menta2k/detection-postprocess/pkg/types"

// DefaultDetectorLabels is used when a document carries no detection_categories
var DefaultDetectorLabels = map[string]string{
	"1": "animal",
	"2": "person",
	"3": "vehicle",
}

// DetectorLabels returns the document's detection label map or the default one
func DetectorLabels(doc *types.DetectionDocument) map[string]string {
	if len(doc.DetectionCategories) > 0 {
		return doc.DetectionCategories
	}
	return DefaultDetectorLabels
}

// ClassificationLabels returns the document's classification label map, possibly nil
func ClassificationLabels(doc *types.DetectionDocument) map[string]string {
	return doc.ClassificationCategories
}

// Name looks up id in m; unknown ids are returned as-is
func Name(m map[string]string, id string) string {
	if name, ok := m[id]; ok {
		return name
	}
	return id
}
