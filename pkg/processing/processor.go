package processing

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/detection-postprocess/internal/utils"
	"github.com/menta2k/detection-postprocess/pkg/labels"
	"github.com/menta2k/detection-postprocess/pkg/types"
)

// DefaultJPEGQuality is used when Save is called with quality <= 0
const DefaultJPEGQuality = 95

// DrawOptions controls how detections are annotated
type DrawOptions struct {
	// Boxes with conf below ConfidenceThreshold are not drawn.
	ConfidenceThreshold float64
	// Classifications with score below ClassificationThreshold are not listed.
	ClassificationThreshold float64
	MaxClassifications      int
	// Thickness <= 0 scales the stroke with the image size.
	Thickness            int
	DetectorLabels       map[string]string
	ClassificationLabels map[string]string
}

// DefaultDrawOptions returns the standard annotation settings
func DefaultDrawOptions() DrawOptions {
	return DrawOptions{
		ConfidenceThreshold:     0.15,
		ClassificationThreshold: 0.1,
		MaxClassifications:      3,
		DetectorLabels:          labels.DefaultDetectorLabels,
	}
}

// Processor handles image processing operations
type Processor struct{}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{}
}

// Open decodes an image file, applying its EXIF orientation. Files whose
// content is not an image are rejected before decoding.
func (p *Processor) Open(path string) (image.Image, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("%s is not an image (detected %s)", path, mt.String())
	}

	// Try imaging.Open (registered decoders)
	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	// Fallback: explicit WebP decode
	if mt.Is("image/webp") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if img, err := webp.Decode(f); err == nil {
			return img, nil
		}
	}
	return nil, fmt.Errorf("image: cannot decode %s (%s)", path, mt.String())
}

// Resize scales img to width, preserving aspect ratio. width <= 0 returns img unchanged.
func (p *Processor) Resize(img image.Image, width int) image.Image {
	if width <= 0 || img.Bounds().Dx() == width {
		return img
	}
	return imaging.Resize(img, width, 0, imaging.Lanczos)
}

// CropToBox crops img to a normalized box grown by expansion pixels on each side
func (p *Processor) CropToBox(img image.Image, box types.BBox, expansion int) (image.Image, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	x0, y0, x1, y1 := boxToPixels(box, w, h)
	if expansion > 0 {
		x0 -= expansion
		y0 -= expansion
		x1 += expansion
		y1 += expansion
	}

	rect := image.Rect(x0, y0, x1, y1).Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, fmt.Errorf("empty crop rectangle for box %v", box)
	}
	return imaging.Crop(img, rect), nil
}

// DrawDetections returns a copy of img with boxes and labels for every
// detection at or above the confidence threshold
func (p *Processor) DrawDetections(img image.Image, detections []types.Detection, opts DrawOptions) *image.NRGBA {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	stroke := opts.Thickness
	if stroke <= 0 {
		stroke = int(math.Max(2, 0.004*float64(minInt(w, h)))) // ~0.4% of min side
	}

	for _, d := range detections {
		if d.Conf < opts.ConfidenceThreshold {
			continue
		}
		c := categoryColor(d.Category)
		drawBox(nrgba, d.BBox, w, h, c, stroke)

		x0, y0, _, _ := boxToPixels(d.BBox, w, h)
		drawLabel(nrgba, x0, y0, labelLines(d, opts), c)
	}
	return nrgba
}

// Save writes img in the format implied by the path's extension
func (p *Processor) Save(img image.Image, path string, quality int) error {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	if !utils.IsImageFile(path) {
		return fmt.Errorf("unsupported output format for %s", path)
	}
	if err := utils.EnsureParentDir(path); err != nil {
		return err
	}

	switch utils.GetFileExtension(path) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return webp.Encode(f, img, &webp.Options{Quality: float32(quality)})
	case "png", "gif", "bmp", "tif", "tiff":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

func labelLines(d types.Detection, opts DrawOptions) []string {
	lines := []string{fmt.Sprintf("%s %d%%", labels.Name(opts.DetectorLabels, d.Category), int(math.Round(d.Conf*100)))}

	n := 0
	for _, c := range d.Classifications {
		if opts.MaxClassifications > 0 && n >= opts.MaxClassifications {
			break
		}
		if c.Score < opts.ClassificationThreshold {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %d%%", labels.Name(opts.ClassificationLabels, c.Category), int(math.Round(c.Score*100))))
		n++
	}
	return lines
}

var palette = []color.NRGBA{
	{255, 0, 0, 255},     // red
	{0, 200, 0, 255},     // green
	{0, 128, 255, 255},   // blue
	{255, 204, 0, 255},   // gold
	{255, 0, 255, 255},   // magenta
	{0, 255, 255, 255},   // cyan
	{255, 128, 0, 255},   // orange
	{128, 0, 255, 255},   // purple
	{255, 255, 255, 255}, // white
}

func categoryColor(category string) color.NRGBA {
	sum := 0
	for _, r := range category {
		if r >= '0' && r <= '9' {
			sum = sum*10 + int(r-'0')
		} else {
			sum += int(r)
		}
	}
	return palette[sum%len(palette)]
}

func drawLabel(img *image.NRGBA, x, y int, lines []string, bg color.NRGBA) {
	face := basicfont.Face7x13
	lineHeight := face.Height + 2
	d := &font.Drawer{Dst: img, Src: image.NewUniform(color.Black), Face: face}

	width := 0
	for _, line := range lines {
		if lw := d.MeasureString(line).Ceil(); lw > width {
			width = lw
		}
	}
	height := lineHeight * len(lines)

	// above the box when it fits, inside otherwise
	top := y - height
	if top < 0 {
		top = y
	}
	rect := image.Rect(x, top, x+width+4, top+height).Intersect(img.Bounds())
	draw.Draw(img, rect, image.NewUniform(bg), image.Point{}, draw.Src)

	for i, line := range lines {
		d.Dot = fixed.P(x+2, top+i*lineHeight+face.Ascent+1)
		d.DrawString(line)
	}
}

// Helper functions
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func boxToPixels(box types.BBox, w, h int) (int, int, int, int) {
	x0 := int(clamp(box.X(), 0, 1)*float64(w) + 0.5)
	y0 := int(clamp(box.Y(), 0, 1)*float64(h) + 0.5)
	x1 := int(clamp(box.X()+box.W(), 0, 1)*float64(w) + 0.5)
	y1 := int(clamp(box.Y()+box.H(), 0, 1)*float64(h) + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawBox(img *image.NRGBA, box types.BBox, w, h int, color color.NRGBA, stroke int) {
	x0, y0, x1, y1 := boxToPixels(box, w, h)
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, color)
		drawHLine(img, y1-1-s, x0, x1, color)
		drawVLine(img, x0+s, y0, y1, color)
		drawVLine(img, x1-1-s, y0, y1, color)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
