// Package selection picks the working subset of a detector output document.
package selection

import (
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/menta2k/detection-postprocess/pkg/types"
)

const (
	// DefaultMDv5Threshold is the typical operating threshold for MDv5 and later
	DefaultMDv5Threshold = 0.2
	// DefaultMDv4Threshold is the typical operating threshold for MDv4
	DefaultMDv4Threshold = 0.8
)

// ConfigError reports invalid threshold or sampling parameters
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Policy controls which records become work
type Policy struct {
	// ConfidenceThreshold nil derives a typical threshold from the document.
	ConfidenceThreshold *float64 `validate:"omitempty,gte=0,lte=1"`
	// SampleSize < 0 selects every record.
	SampleSize int
	// RandomSeed nil shuffles with time-based entropy.
	RandomSeed *int64
	// RenderDetectionsOnly marks records whose max confidence is below threshold as skipped.
	RenderDetectionsOnly bool
}

// Entry is one selected record
type Entry struct {
	Record  *types.DetectionRecord
	Skipped bool
}

// Selection is the outcome of applying a Policy
type Selection struct {
	Threshold float64
	Entries   []Entry
}

// Skipped counts skipped entries
func (s Selection) Skipped() int {
	n := 0
	for _, e := range s.Entries {
		if e.Skipped {
			n++
		}
	}
	return n
}

var validate = validator.New()

// Validate checks the policy without looking at a document
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return &ConfigError{Field: "confidence_threshold", Reason: fmt.Sprintf("%v must be in [0, 1]", *p.ConfidenceThreshold)}
	}
	return nil
}

// Threshold returns a *float64 for use in Policy literals
func Threshold(v float64) *float64 { return &v }

// Seed returns a *int64 for use in Policy literals
func Seed(v int64) *int64 { return &v }

// Select applies the policy. Records in the result point into doc.Images.
func Select(doc *types.DetectionDocument, p Policy) (Selection, error) {
	if err := p.Validate(); err != nil {
		return Selection{}, err
	}

	threshold := 0.0
	if p.ConfidenceThreshold != nil {
		threshold = *p.ConfidenceThreshold
	} else {
		t, err := TypicalThreshold(doc)
		if err != nil {
			return Selection{}, err
		}
		threshold = t
	}
	if threshold < 0 || threshold > 1 {
		return Selection{}, &ConfigError{Field: "confidence_threshold", Reason: fmt.Sprintf("%v must be in [0, 1]", threshold)}
	}

	records := make([]*types.DetectionRecord, len(doc.Images))
	for i := range doc.Images {
		records[i] = &doc.Images[i]
	}

	records, err := sample(records, p.SampleSize, p.RandomSeed)
	if err != nil {
		return Selection{}, err
	}

	sel := Selection{Threshold: threshold, Entries: make([]Entry, len(records))}
	for i, rec := range records {
		_, failed := rec.Failure()
		sel.Entries[i] = Entry{
			Record:  rec,
			Skipped: p.RenderDetectionsOnly && !failed && rec.MaxConf() < threshold,
		}
	}
	return sel, nil
}

func sample(records []*types.DetectionRecord, size int, seed *int64) ([]*types.DetectionRecord, error) {
	if size < 0 {
		return records, nil
	}
	if size > len(records) {
		return nil, &ConfigError{
			Field:  "sample_size",
			Reason: fmt.Sprintf("sample size %d greater than number of entries (%d)", size, len(records)),
		}
	}

	shuffled := append([]*types.DetectionRecord(nil), records...)
	var rng *rand.Rand
	if seed != nil {
		sortByFile(shuffled)
		rng = rand.New(rand.NewSource(*seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	out := shuffled[:size]
	sortByFile(out)
	return out, nil
}

func sortByFile(records []*types.DetectionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].File < records[j].File
	})
}

var versionPattern = regexp.MustCompile(`(?i)v(\d+)`)

// TypicalThreshold derives a default operating threshold from the document's
// detector metadata, falling back to the MDv5 default
func TypicalThreshold(doc *types.DetectionDocument) (float64, error) {
	info, err := doc.DetectorInfo()
	if err != nil {
		return 0, &ConfigError{Field: "info", Reason: err.Error()}
	}
	if info.DetectorMetadata != nil && info.DetectorMetadata.TypicalDetectionThreshold != nil {
		return *info.DetectorMetadata.TypicalDetectionThreshold, nil
	}
	if info.Detector == "" {
		return DefaultMDv5Threshold, nil
	}
	m := versionPattern.FindStringSubmatch(info.Detector)
	if m == nil {
		return DefaultMDv5Threshold, nil
	}
	major, err := strconv.Atoi(m[1])
	if err == nil && major <= 4 {
		return DefaultMDv4Threshold, nil
	}
	return DefaultMDv5Threshold, nil
}
