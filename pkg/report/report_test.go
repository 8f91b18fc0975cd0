package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "index.html")
	err := WriteIndex(path, []string{"anno_A.jpg", `sub\anno_B.jpg`, "<script>.jpg"}, Options{Title: "Run 1", MaxWidth: 500})
	if err != nil {
		t.Fatalf("WriteIndex failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	html := string(data)

	for _, want := range []string{"<title>Run 1</title>", "3 images", `src="anno_A.jpg"`, `src="sub/anno_B.jpg"`, "max-width: 500px"} {
		if !strings.Contains(html, want) {
			t.Errorf("Index missing %q", want)
		}
	}
	if strings.Contains(html, "<script>") {
		t.Error("File names are not escaped")
	}
	if strings.Index(html, "anno_A.jpg") > strings.Index(html, "sub/anno_B.jpg") {
		t.Error("Images are not listed in order")
	}
}

func TestWriteIndexNoMaxWidth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.html")
	if err := WriteIndex(path, nil, Options{Title: "Empty"}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "max-width") || !strings.Contains(string(data), "0 images") {
		t.Errorf("Unexpected empty index: %s", data)
	}
}

func TestRelativeTo(t *testing.T) {
	dir := filepath.Join("base", "out")
	got := RelativeTo(dir, []string{filepath.Join(dir, "anno_A.jpg"), filepath.Join(dir, "sub", "B.jpg")})
	if filepath.ToSlash(got[0]) != "anno_A.jpg" || filepath.ToSlash(got[1]) != "sub/B.jpg" {
		t.Errorf("Unexpected relative paths: %v", got)
	}
}
