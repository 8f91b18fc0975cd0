package types

import (
	"encoding/json"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrMissingImages is returned when a document has no "images" field
	ErrMissingImages = errors.New(`document has no "images" field`)
	// ErrMissingOutcome is returned when a record has neither "failure" nor "detections"
	ErrMissingOutcome = errors.New(`record has neither "failure" nor "detections"`)
	// ErrConflictingOutcome is returned when a record carries both a failure and detections
	ErrConflictingOutcome = errors.New(`record has both a "failure" and non-empty "detections"`)
	// ErrMissingFile is returned when a record has no "file" key
	ErrMissingFile = errors.New(`record has no "file"`)
)

// BBox represents a normalized [x, y, width, height] box with coordinates in [0,1] range
type BBox [4]float64

// FullFrame is the box covering a whole image
var FullFrame = BBox{0, 0, 1, 1}

// X returns the left edge
func (b BBox) X() float64 { return b[0] }

// Y returns the top edge
func (b BBox) Y() float64 { return b[1] }

// W returns the width
func (b BBox) W() float64 { return b[2] }

// H returns the height
func (b BBox) H() float64 { return b[3] }

// UnmarshalJSON requires exactly four numbers
func (b *BBox) UnmarshalJSON(data []byte) error {
	var vals []float64
	if err := codec.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	if len(vals) != 4 {
		return fmt.Errorf("bbox: expected 4 values, got %d", len(vals))
	}
	copy(b[:], vals)
	return nil
}

// Classification is a (category, score) pair, serialized as a two element array
type Classification struct {
	Category string
	Score    float64
}

// MarshalJSON writes the pair as ["category", score]
func (c Classification) MarshalJSON() ([]byte, error) {
	return codec.Marshal([]interface{}{c.Category, c.Score})
}

// UnmarshalJSON reads a ["category", score] pair
func (c *Classification) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := codec.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("classification: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("classification: expected 2 values, got %d", len(pair))
	}
	if err := codec.Unmarshal(pair[0], &c.Category); err != nil {
		return fmt.Errorf("classification category: %w", err)
	}
	if err := codec.Unmarshal(pair[1], &c.Score); err != nil {
		return fmt.Errorf("classification score: %w", err)
	}
	return nil
}

// Detection represents one predicted object within an image
type Detection struct {
	Category             string           `json:"category"`
	Conf                 float64          `json:"conf"`
	BBox                 BBox             `json:"bbox"`
	Classifications      []Classification `json:"classifications,omitempty"`
	CropID               *int             `json:"crop_id,omitempty"`
	CropFilenameRelative string           `json:"crop_filename_relative,omitempty"`

	// Extra holds keys this package does not interpret; they are written back on save.
	Extra map[string]json.RawMessage `json:"-"`
}

type detectionAlias Detection

var detectionKeys = []string{"category", "conf", "bbox", "classifications", "crop_id", "crop_filename_relative"}

// UnmarshalJSON decodes a detection and keeps unknown keys in Extra
func (d *Detection) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := codec.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("detection: %w", err)
	}

	var out Detection
	if raw, ok := fields["category"]; ok {
		if err := codec.Unmarshal(raw, &out.Category); err != nil {
			return fmt.Errorf("detection category: %w", err)
		}
	}
	if raw, ok := fields["conf"]; ok {
		if err := codec.Unmarshal(raw, &out.Conf); err != nil {
			return fmt.Errorf("detection conf: %w", err)
		}
	}
	raw, ok := fields["bbox"]
	if !ok {
		return errors.New("detection: missing bbox")
	}
	if err := out.BBox.UnmarshalJSON(raw); err != nil {
		return err
	}
	if raw, ok := fields["classifications"]; ok && !isNull(raw) {
		var items []json.RawMessage
		if err := codec.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("detection classifications: %w", err)
		}
		out.Classifications = make([]Classification, len(items))
		for i, item := range items {
			if err := out.Classifications[i].UnmarshalJSON(item); err != nil {
				return err
			}
		}
	}
	if raw, ok := fields["crop_id"]; ok && !isNull(raw) {
		var id int
		if err := codec.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("detection crop_id: %w", err)
		}
		out.CropID = &id
	}
	if raw, ok := fields["crop_filename_relative"]; ok && !isNull(raw) {
		if err := codec.Unmarshal(raw, &out.CropFilenameRelative); err != nil {
			return fmt.Errorf("detection crop_filename_relative: %w", err)
		}
	}
	out.Extra = extraFields(fields, detectionKeys)

	*d = out
	return nil
}

// MarshalJSON encodes a detection including any Extra keys
func (d Detection) MarshalJSON() ([]byte, error) {
	base, err := codec.Marshal(detectionAlias(d))
	if err != nil {
		return nil, err
	}
	return mergeExtra(base, d.Extra)
}

// Outcome is the detector's result for one image: Failed or *Detected
type Outcome interface {
	outcome()
}

// Failed marks an image the detector could not process
type Failed struct {
	Reason string
}

// Detected holds the detections predicted for an image
type Detected struct {
	Detections []Detection
}

func (Failed) outcome()    {}
func (*Detected) outcome() {}

// DetectionRecord is one entry per image
type DetectionRecord struct {
	File    string
	Outcome Outcome

	// Extra holds record keys this package does not interpret.
	Extra map[string]json.RawMessage
}

var recordKeys = []string{"file", "failure", "detections"}

// NewDetectedRecord creates a record for a successfully processed image
func NewDetectedRecord(file string, detections []Detection) DetectionRecord {
	return DetectionRecord{File: file, Outcome: &Detected{Detections: detections}}
}

// NewFailedRecord creates a record for an image the detector failed on
func NewFailedRecord(file, reason string) DetectionRecord {
	return DetectionRecord{File: file, Outcome: Failed{Reason: reason}}
}

// Detections returns the record's detections, nil for failed records.
// The returned slice aliases the record, so element mutations are visible.
func (r *DetectionRecord) Detections() []Detection {
	if d, ok := r.Outcome.(*Detected); ok && d != nil {
		return d.Detections
	}
	return nil
}

// Failure returns the failure reason and whether the record failed
func (r *DetectionRecord) Failure() (string, bool) {
	if f, ok := r.Outcome.(Failed); ok {
		return f.Reason, true
	}
	return "", false
}

// MaxConf returns the highest detection confidence, 0 when there are none
func (r *DetectionRecord) MaxConf() float64 {
	maxConf := 0.0
	for _, det := range r.Detections() {
		if det.Conf > maxConf {
			maxConf = det.Conf
		}
	}
	return maxConf
}

// UnmarshalJSON decodes the MegaDetector record shape into a tagged outcome
func (r *DetectionRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := codec.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("record: %w", err)
	}

	var out DetectionRecord
	raw, ok := fields["file"]
	if !ok || isNull(raw) {
		return ErrMissingFile
	}
	if err := codec.Unmarshal(raw, &out.File); err != nil {
		return fmt.Errorf("record file: %w", err)
	}

	var detections []Detection
	detRaw, hasDetections := fields["detections"]
	if hasDetections && !isNull(detRaw) {
		var items []json.RawMessage
		if err := codec.Unmarshal(detRaw, &items); err != nil {
			return fmt.Errorf("record detections: %w", err)
		}
		detections = make([]Detection, len(items))
		for i, item := range items {
			if err := detections[i].UnmarshalJSON(item); err != nil {
				return fmt.Errorf("detections[%d]: %w", i, err)
			}
		}
	}

	failRaw, hasFailure := fields["failure"]
	switch {
	case hasFailure && !isNull(failRaw):
		if len(detections) > 0 {
			return ErrConflictingOutcome
		}
		var reason string
		if err := codec.Unmarshal(failRaw, &reason); err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		out.Outcome = Failed{Reason: reason}
	case hasDetections:
		if detections == nil {
			detections = []Detection{}
		}
		out.Outcome = &Detected{Detections: detections}
	default:
		return ErrMissingOutcome
	}

	out.Extra = extraFields(fields, recordKeys)
	*r = out
	return nil
}

// MarshalJSON encodes the record in the MegaDetector shape
func (r DetectionRecord) MarshalJSON() ([]byte, error) {
	fields := map[string]interface{}{"file": r.File}
	if reason, failed := r.Failure(); failed {
		fields["failure"] = reason
		fields["detections"] = nil
	} else {
		dets := r.Detections()
		if dets == nil {
			dets = []Detection{}
		}
		fields["detections"] = dets
	}
	base, err := codec.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return mergeExtra(base, r.Extra)
}

// DetectionDocument is the whole detector output for a batch of images
type DetectionDocument struct {
	Info                     json.RawMessage   `json:"info,omitempty"`
	Images                   []DetectionRecord `json:"images"`
	DetectionCategories      map[string]string `json:"detection_categories,omitempty"`
	ClassificationCategories map[string]string `json:"classification_categories,omitempty"`

	// Extra holds top level keys this package does not interpret.
	Extra map[string]json.RawMessage `json:"-"`
}

type documentAlias DetectionDocument

var documentKeys = []string{"info", "images", "detection_categories", "classification_categories"}

// UnmarshalJSON decodes a document; record errors carry their index
func (d *DetectionDocument) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := codec.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("document: %w", err)
	}

	var out DetectionDocument
	raw, ok := fields["images"]
	if !ok || isNull(raw) {
		return ErrMissingImages
	}
	var items []json.RawMessage
	if err := codec.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("document images: %w", err)
	}
	out.Images = make([]DetectionRecord, len(items))
	for i, item := range items {
		if err := out.Images[i].UnmarshalJSON(item); err != nil {
			return &RecordError{Index: i, Err: err}
		}
	}

	if raw, ok := fields["info"]; ok && !isNull(raw) {
		out.Info = append(json.RawMessage(nil), raw...)
	}
	if raw, ok := fields["detection_categories"]; ok && !isNull(raw) {
		if err := codec.Unmarshal(raw, &out.DetectionCategories); err != nil {
			return fmt.Errorf("document detection_categories: %w", err)
		}
	}
	if raw, ok := fields["classification_categories"]; ok && !isNull(raw) {
		if err := codec.Unmarshal(raw, &out.ClassificationCategories); err != nil {
			return fmt.Errorf("document classification_categories: %w", err)
		}
	}
	out.Extra = extraFields(fields, documentKeys)

	*d = out
	return nil
}

// MarshalJSON encodes the document including Extra keys
func (d DetectionDocument) MarshalJSON() ([]byte, error) {
	alias := documentAlias(d)
	if alias.Images == nil {
		alias.Images = []DetectionRecord{}
	}
	base, err := codec.Marshal(alias)
	if err != nil {
		return nil, err
	}
	return mergeExtra(base, d.Extra)
}

// RecordError locates a decoding error at a position in "images"
type RecordError struct {
	Index int
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("images[%d]: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// DetectorInfo is the subset of the "info" block used to pick default thresholds
type DetectorInfo struct {
	Detector         string `json:"detector"`
	DetectorMetadata *struct {
		TypicalDetectionThreshold *float64 `json:"typical_detection_threshold"`
	} `json:"detector_metadata"`
}

// DetectorInfo parses the document's "info" block; a missing block yields the zero value
func (d *DetectionDocument) DetectorInfo() (DetectorInfo, error) {
	var info DetectorInfo
	if len(d.Info) == 0 || isNull(d.Info) {
		return info, nil
	}
	if err := codec.Unmarshal(d.Info, &info); err != nil {
		return info, fmt.Errorf("document info: %w", err)
	}
	return info, nil
}

// Clone returns a deep copy of the document
func (d *DetectionDocument) Clone() *DetectionDocument {
	out := &DetectionDocument{
		Info:                     cloneRaw(d.Info),
		DetectionCategories:      cloneStrings(d.DetectionCategories),
		ClassificationCategories: cloneStrings(d.ClassificationCategories),
		Extra:                    cloneExtra(d.Extra),
	}
	if d.Images != nil {
		out.Images = make([]DetectionRecord, len(d.Images))
		for i := range d.Images {
			out.Images[i] = d.Images[i].Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the record
func (r *DetectionRecord) Clone() DetectionRecord {
	out := DetectionRecord{File: r.File, Extra: cloneExtra(r.Extra)}
	switch o := r.Outcome.(type) {
	case Failed:
		out.Outcome = o
	case *Detected:
		if o == nil {
			break
		}
		dets := make([]Detection, len(o.Detections))
		for i := range o.Detections {
			dets[i] = o.Detections[i].Clone()
		}
		out.Outcome = &Detected{Detections: dets}
	}
	return out
}

// Clone returns a deep copy of the detection
func (d Detection) Clone() Detection {
	out := d
	if d.Classifications != nil {
		out.Classifications = append([]Classification(nil), d.Classifications...)
	}
	if d.CropID != nil {
		id := *d.CropID
		out.CropID = &id
	}
	out.Extra = cloneExtra(d.Extra)
	return out
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func extraFields(fields map[string]json.RawMessage, known []string) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for k, v := range fields {
		if contains(known, k) {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = append(json.RawMessage(nil), v...)
	}
	return extra
}

func mergeExtra(base []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return base, nil
	}
	var fields map[string]json.RawMessage
	if err := codec.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	return codec.Marshal(fields)
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneExtra(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = cloneRaw(v)
	}
	return out
}
