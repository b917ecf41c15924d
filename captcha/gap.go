package captcha

import (
	"image"
	"math"
)

// LocatorConfig tunes the gap locator.
type LocatorConfig struct {
	IntensityWeight float64
	EdgeWeight      float64
	CannyLow        float64
	CannyHigh       float64
}

// DefaultLocatorConfig blends intensity and edge correlation 0.6 / 0.4.
func DefaultLocatorConfig() LocatorConfig {
	return LocatorConfig{
		IntensityWeight: 0.6,
		EdgeWeight:      0.4,
		CannyLow:        100,
		CannyHigh:       200,
	}
}

// GapEstimate is where the piece fits in the background.
type GapEstimate struct {
	// Top-left of the best placement, in background pixels.
	MatchX int
	MatchY int
	// Size of the piece after trimming transparent margins.
	PieceWidth  int
	PieceHeight int

	// RawX is the notch centre in background pixels.
	RawX float64
	// PieceCenter is the centre of the opaque piece within its own raster.
	PieceCenter float64

	ImageWidth int
	DOMWidth   float64
	// X is RawX rescaled to rendered (DOM) pixels.
	X float64
	// Offset is how far the piece must travel, in DOM pixels.
	Offset float64

	Confidence float64
	Degenerate bool
}

// Scale is the number of DOM pixels per source pixel.
func (e GapEstimate) Scale() float64 {
	if e.ImageWidth == 0 {
		return 1
	}
	return e.DOMWidth / float64(e.ImageWidth)
}

// Locator finds the horizontal position of a puzzle piece's cut-out.
type Locator struct {
	cfg LocatorConfig
}

func NewLocator(cfg LocatorConfig) *Locator {
	if cfg.IntensityWeight < 0 {
		cfg.IntensityWeight = 0
	}
	if cfg.EdgeWeight < 0 {
		cfg.EdgeWeight = 0
	}
	if cfg.IntensityWeight+cfg.EdgeWeight == 0 {
		d := DefaultLocatorConfig()
		cfg.IntensityWeight, cfg.EdgeWeight = d.IntensityWeight, d.EdgeWeight
	}
	if cfg.CannyLow <= 0 && cfg.CannyHigh <= 0 {
		cfg.CannyLow, cfg.CannyHigh = 100, 200
	}
	return &Locator{cfg: cfg}
}

// Locate matches piece against background. domWidth is the rendered width of
// the background element; zero or less means the image is shown at its
// natural size. Inputs that carry no usable signal produce an estimate with
// zero confidence and Degenerate set.
func (l *Locator) Locate(background, piece image.Image, domWidth float64) GapEstimate {
	est := GapEstimate{Degenerate: true}
	if background == nil || piece == nil {
		return est
	}

	bgBounds := background.Bounds()
	est.ImageWidth = bgBounds.Dx()
	est.DOMWidth = domWidth
	if est.DOMWidth <= 0 {
		est.DOMWidth = float64(est.ImageWidth)
	}

	trim := opaqueBounds(piece)
	if trim.Empty() || bgBounds.Empty() {
		return est
	}
	est.PieceWidth, est.PieceHeight = trim.Dx(), trim.Dy()
	est.PieceCenter = float64(trim.Min.X-piece.Bounds().Min.X) + float64(est.PieceWidth)/2

	bgGray := gaussianBlur3(toGray(background, bgBounds))
	pcRaw, shape := pieceGray(piece, trim)
	pcGray := gaussianBlur3(pcRaw)

	// Pixels near the outline see the fill through the blur (one pixel) and
	// through Sobel and non-maximum suppression (two more), so each channel
	// samples only the interior it can trust.
	w, h := pcGray.w, pcGray.h
	intensity, intensityOK := matchTemplate(bgGray, pcGray, shrinkMask(shape, w, h, 1))
	if intensity.empty() {
		return est
	}
	edges, edgesOK := matchTemplate(
		canny(bgGray, l.cfg.CannyLow, l.cfg.CannyHigh),
		canny(pcGray, l.cfg.CannyLow, l.cfg.CannyHigh),
		shrinkMask(shape, w, h, 3),
	)

	wi, we := l.cfg.IntensityWeight, l.cfg.EdgeWeight
	// A piece without interior edges is matched on intensity alone.
	if !edgesOK && intensityOK && wi > 0 {
		we = 0
	}
	total := wi + we
	wi, we = wi/total, we/total

	combined := newGrayMap(intensity.w, intensity.h)
	for i := range combined.pix {
		combined.pix[i] = wi*intensity.pix[i] + we*edges.pix[i]
	}

	x, y, best := argmax(combined)
	est.MatchX, est.MatchY = x, y
	est.RawX = float64(x) + float64(est.PieceWidth)/2
	est.X = est.RawX * est.DOMWidth / float64(est.ImageWidth)
	est.Offset = (est.RawX - est.PieceCenter) * est.DOMWidth / float64(est.ImageWidth)

	// A weight of zero means that map does not take part in the decision.
	usable := (intensityOK || wi == 0) && (edgesOK || we == 0)
	if usable && !math.IsInf(best, 0) && !math.IsNaN(best) {
		est.Confidence = best
		est.Degenerate = false
	}
	return est
}
