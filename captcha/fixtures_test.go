package captcha

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math/rand"
	"testing"

	"github.com/fogleman/gg"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// puzzle is a synthetic slider challenge with a known cut-out position.
type puzzle struct {
	background *image.RGBA
	piece      *image.RGBA
	gapX, gapY int
	size       int
}

// texturedBackground draws random shapes and per-pixel noise so every
// window of the image is distinct.
func texturedBackground(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	dc := gg.NewContext(w, h)
	grad := gg.NewLinearGradient(0, 0, float64(w), float64(h))
	grad.AddColorStop(0, color.RGBA{40, 90, 160, 255})
	grad.AddColorStop(1, color.RGBA{200, 170, 90, 255})
	dc.SetFillStyle(grad)
	dc.DrawRectangle(0, 0, float64(w), float64(h))
	dc.Fill()

	for i := 0; i < 40; i++ {
		dc.SetRGB(rng.Float64(), rng.Float64(), rng.Float64())
		if i%2 == 0 {
			dc.DrawCircle(rng.Float64()*float64(w), rng.Float64()*float64(h), 3+rng.Float64()*12)
		} else {
			dc.DrawRectangle(rng.Float64()*float64(w), rng.Float64()*float64(h), 4+rng.Float64()*20, 4+rng.Float64()*20)
		}
		dc.Fill()
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), dc.Image(), image.Point{}, draw.Src)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(x, y)
			n := rng.Intn(121) - 60
			img.SetRGBA(x, y, color.RGBA{clamp8(int(c.R) + n), clamp8(int(c.G) + n), clamp8(int(c.B) + n), 255})
		}
	}
	return img
}

func clamp8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// newPuzzle cuts a size x size piece at (gapX, gapY) and shades the hole
// the way slider widgets render the notch.
func newPuzzle(w, h, size, gapX, gapY int, seed int64) puzzle {
	bg := texturedBackground(w, h, seed)

	piece := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(piece, piece.Bounds(), bg, image.Pt(gapX, gapY), draw.Src)

	shade := func(v uint8) uint8 { return uint8(float64(v)*0.6 + 20) }
	for y := gapY; y < gapY+size; y++ {
		for x := gapX; x < gapX+size; x++ {
			c := bg.RGBAAt(x, y)
			bg.SetRGBA(x, y, color.RGBA{shade(c.R), shade(c.G), shade(c.B), 255})
		}
	}

	return puzzle{background: bg, piece: piece, gapX: gapX, gapY: gapY, size: size}
}

// newShapedPuzzle is newPuzzle for a piece whose outline is given by inside.
// Pixels of the size x size box outside the shape are fully transparent in
// the piece and left unshaded in the background.
func newShapedPuzzle(w, h, size, gapX, gapY int, seed int64, inside func(x, y int) bool) puzzle {
	bg := texturedBackground(w, h, seed)

	piece := image.NewRGBA(image.Rect(0, 0, size, size))
	shade := func(v uint8) uint8 { return uint8(float64(v)*0.6 + 20) }
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if !inside(x, y) {
				continue
			}
			c := bg.RGBAAt(gapX+x, gapY+y)
			piece.SetRGBA(x, y, c)
			bg.SetRGBA(gapX+x, gapY+y, color.RGBA{shade(c.R), shade(c.G), shade(c.B), 255})
		}
	}

	return puzzle{background: bg, piece: piece, gapX: gapX, gapY: gapY, size: size}
}

// disc is a circle filling a size x size box.
func disc(size int) func(x, y int) bool {
	r := float64(size) / 2
	return func(x, y int) bool {
		dx, dy := float64(x)+0.5-r, float64(y)+0.5-r
		return dx*dx+dy*dy <= r*r
	}
}

// jigsaw is a square body inset from the box with a round tab on the right
// and a round socket on the top.
func jigsaw(size int) func(x, y int) bool {
	tab := float64(size) / 6
	body := size - int(tab)
	cy := float64(size) / 2
	return func(x, y int) bool {
		fx, fy := float64(x)+0.5, float64(y)+0.5
		socket := (fx-float64(body)/2)*(fx-float64(body)/2)+(fy-tab)*(fy-tab) <= tab*tab
		if x < body && float64(y) >= tab && !socket {
			return true
		}
		dx, dy := fx-float64(body), fy-cy
		return dx*dx+dy*dy <= tab*tab
	}
}

// padded returns the piece inside a taller transparent strip, offset by left.
func (p puzzle) padded(left, height int) *image.RGBA {
	strip := image.NewRGBA(image.Rect(0, 0, p.size+2*left, height))
	draw.Draw(strip, image.Rect(left, p.gapY, left+p.size, p.gapY+p.size), p.piece, image.Point{}, draw.Src)
	return strip
}

func uniformImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func dataURI(t *testing.T, img image.Image) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(encodePNG(t, img))
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
