// Package report writes browsable HTML listings of rendered images.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/menta2k/detection-postprocess/internal/utils"
)

// Options controls the index page
type Options struct {
	Title string
	// MaxWidth caps the displayed image width in pixels; 0 means no cap.
	MaxWidth int
}

// DefaultOptions returns the standard index settings
func DefaultOptions() Options {
	return Options{Title: "Detection results", MaxWidth: 700}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 20px; }
.item { margin-bottom: 24px; }
img { {{if .MaxWidth}}max-width: {{.MaxWidth}}px; {{end}}display: block; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{len .Images}} images</p>
{{range .Images}}<div class="item">
<p>{{.}}</p>
<img src="{{.}}" alt="{{.}}">
</div>
{{end}}</body>
</html>
`))

type page struct {
	Title    string
	MaxWidth int
	Images   []string
}

// WriteIndex writes an HTML page listing relPaths, which are relative to the
// page's directory, in order
func WriteIndex(path string, relPaths []string, opts Options) error {
	images := make([]string, len(relPaths))
	for i, p := range relPaths {
		images[i] = utils.ToSlash(p)
	}

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, page{Title: opts.Title, MaxWidth: opts.MaxWidth, Images: images}); err != nil {
		return fmt.Errorf("failed to render index: %w", err)
	}
	if err := utils.EnsureParentDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write index %s: %w", path, err)
	}
	return nil
}

// RelativeTo rewrites artifact paths relative to dir, keeping paths that
// cannot be made relative
func RelativeTo(dir string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			rel = p
		}
		out[i] = rel
	}
	return out
}
