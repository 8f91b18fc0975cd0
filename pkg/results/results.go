// Package results aggregates executor results into run summaries.
package results

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/detection-postprocess/pkg/executor"
	"github.com/menta2k/detection-postprocess/pkg/log"
)

// Summary partitions the results of one batch
type Summary struct {
	OK      int `json:"ok"`
	Skipped int `json:"skipped"`
	Missing int `json:"missing_source"`
	Failed  int `json:"failed"`
	// ArtifactPaths lists produced artifacts in job order.
	ArtifactPaths []string `json:"artifact_paths"`
	// Failures maps failed or missing files to their error.
	Failures map[string]string `json:"failures,omitempty"`
}

// Summarize counts results by kind and collects artifact paths
func Summarize(results []executor.Result) Summary {
	s := Summary{ArtifactPaths: []string{}}
	for _, r := range results {
		switch r.Kind {
		case executor.KindOK:
			s.OK++
			s.ArtifactPaths = append(s.ArtifactPaths, r.Artifacts...)
		case executor.KindSkipped:
			s.Skipped++
		case executor.KindMissingSource:
			s.Missing++
			s.addFailure(r)
		default:
			s.Failed++
			s.addFailure(r)
		}
	}
	return s
}

func (s *Summary) addFailure(r executor.Result) {
	if s.Failures == nil {
		s.Failures = make(map[string]string)
	}
	s.Failures[r.File] = r.Error
}

// Total is the number of summarized results
func (s Summary) Total() int {
	return s.OK + s.Skipped + s.Missing + s.Failed
}

func (s Summary) String() string {
	return fmt.Sprintf("%d ok, %d skipped, %d missing, %d failed", s.OK, s.Skipped, s.Missing, s.Failed)
}

// Log writes one line per kind of job that produced no artifact, then the summary
func (s Summary) Log(logger logrus.FieldLogger, operation string) {
	if s.Skipped > 0 {
		logger.WithField("count", s.Skipped).Info("Skipped images below threshold")
	}
	if s.Missing > 0 {
		logger.WithField("count", s.Missing).Warn("Skipped images with missing source")
	}
	if s.Failed > 0 {
		logger.WithField("count", s.Failed).Warn("Skipped images that failed")
	}

	entry := logger.WithFields(log.Fields{
		"operation": operation,
		"total":     s.Total(),
		"ok":        s.OK,
		"skipped":   s.Skipped,
		"missing":   s.Missing,
		"failed":    s.Failed,
	})
	if s.Missing > 0 || s.Failed > 0 {
		entry.Warn("Batch finished with errors")
		for file, reason := range s.Failures {
			logger.WithFields(log.Fields{"file": file, "error": reason}).Debug("Job did not complete")
		}
		return
	}
	entry.Info("Batch finished")
}
