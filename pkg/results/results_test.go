package results

import (
	"bytes"
	"strings"
	"testing"

	"github.com/menta2k/detection-postprocess/pkg/executor"
	"github.com/menta2k/detection-postprocess/pkg/log"
)

func createTestResults() []executor.Result {
	return []executor.Result{
		{Index: 0, File: "A.jpg", Kind: executor.KindOK, Artifacts: []string{"out/anno_A.jpg"}},
		{Index: 1, File: "B.jpg", Kind: executor.KindSkipped},
		{Index: 2, File: "C.jpg", Kind: executor.KindMissingSource, Error: "source image not found"},
		{Index: 3, File: "D.jpg", Kind: executor.KindFailed, Error: "corrupt"},
		{Index: 4, File: "E.jpg", Kind: executor.KindOK, Artifacts: []string{"E_crop_000.jpg", "E_crop_002.jpg"}},
	}
}

func TestSummarizePartitions(t *testing.T) {
	in := createTestResults()
	s := Summarize(in)

	if s.OK != 2 || s.Skipped != 1 || s.Missing != 1 || s.Failed != 1 {
		t.Errorf("Unexpected partition: %s", s)
	}
	if s.Total() != len(in) {
		t.Errorf("Total %d does not match %d results", s.Total(), len(in))
	}

	expected := []string{"out/anno_A.jpg", "E_crop_000.jpg", "E_crop_002.jpg"}
	if len(s.ArtifactPaths) != len(expected) {
		t.Fatalf("Expected %d artifacts, got %v", len(expected), s.ArtifactPaths)
	}
	for i := range expected {
		if s.ArtifactPaths[i] != expected[i] {
			t.Errorf("artifact %d = %s, expected %s", i, s.ArtifactPaths[i], expected[i])
		}
	}

	if s.Failures["C.jpg"] == "" || s.Failures["D.jpg"] != "corrupt" {
		t.Errorf("Unexpected failures: %v", s.Failures)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s.Total() != 0 || s.ArtifactPaths == nil {
		t.Errorf("Unexpected empty summary: %+v", s)
	}
}

func TestSummaryLog(t *testing.T) {
	var buf bytes.Buffer
	logger, err := log.New(log.Options{Output: &buf, NoColors: true})
	if err != nil {
		t.Fatal(err)
	}

	Summarize(createTestResults()).Log(logger, "render")
	for _, line := range []string{"Skipped images below threshold", "Skipped images with missing source", "Skipped images that failed", "Batch finished with errors"} {
		if !strings.Contains(buf.String(), line) {
			t.Errorf("Expected %q in %q", line, buf.String())
		}
	}

	buf.Reset()
	Summarize(createTestResults()[:2]).Log(logger, "render")
	if !strings.Contains(buf.String(), "Batch finished") || strings.Contains(buf.String(), "errors") || strings.Contains(buf.String(), "missing source") {
		t.Errorf("Expected clean summary, got %q", buf.String())
	}
}
