package captcha

import (
	"image"
	"math"
)

// grayMap is a single-channel float raster in row-major order.
type grayMap struct {
	w, h int
	pix  []float64
}

func newGrayMap(w, h int) *grayMap {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return &grayMap{w: w, h: h, pix: make([]float64, w*h)}
}

func (g *grayMap) at(x, y int) float64 {
	return g.pix[y*g.w+x]
}

func (g *grayMap) set(x, y int, v float64) {
	g.pix[y*g.w+x] = v
}

// atReflect reads with BORDER_REFLECT_101 semantics.
func (g *grayMap) atReflect(x, y int) float64 {
	return g.at(reflect101(x, g.w), reflect101(y, g.h))
}

func (g *grayMap) empty() bool {
	return g.w == 0 || g.h == 0
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

// toGray converts the pixels of img inside r to BT.601 luma on a 0..255 scale.
func toGray(img image.Image, r image.Rectangle) *grayMap {
	r = r.Intersect(img.Bounds())
	g := newGrayMap(r.Dx(), r.Dy())
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			cr, cg, cb, _ := img.At(r.Min.X+x, r.Min.Y+y).RGBA()
			g.set(x, y, (0.299*float64(cr)+0.587*float64(cg)+0.114*float64(cb))/257)
		}
	}
	return g
}

// Pixels at or above this alpha belong to the piece's shape.
const opaqueAlpha = 0x8000

// pieceGray converts the piece inside r to luma and reports which pixels are
// part of its shape. Colours are un-premultiplied. Pixels outside the shape
// take the mean of those inside, so smoothing does not drag the outline
// toward black.
func pieceGray(img image.Image, r image.Rectangle) (*grayMap, []bool) {
	r = r.Intersect(img.Bounds())
	g := newGrayMap(r.Dx(), r.Dy())
	mask := make([]bool, len(g.pix))

	var sum float64
	var count int
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			cr, cg, cb, a := img.At(r.Min.X+x, r.Min.Y+y).RGBA()
			if a < opaqueAlpha {
				continue
			}
			scale := 65535 / float64(a)
			v := (0.299*float64(cr) + 0.587*float64(cg) + 0.114*float64(cb)) * scale / 257
			g.set(x, y, v)
			mask[y*g.w+x] = true
			sum += v
			count++
		}
	}

	if count < len(g.pix) {
		var fill float64
		if count > 0 {
			fill = sum / float64(count)
		}
		for i, in := range mask {
			if !in {
				g.pix[i] = fill
			}
		}
	}
	return g, mask
}

// erodeMask clears every pixel within radius (Chebyshev distance) of a
// cleared pixel. The raster border does not count as cleared.
func erodeMask(mask []bool, w, h, radius int) []bool {
	out := make([]bool, len(mask))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !mask[y*w+x] {
				continue
			}
			keep := true
			for j := y - radius; j <= y+radius && keep; j++ {
				if j < 0 || j >= h {
					continue
				}
				for i := x - radius; i <= x+radius; i++ {
					if i >= 0 && i < w && !mask[j*w+i] {
						keep = false
						break
					}
				}
			}
			out[y*w+x] = keep
		}
	}
	return out
}

// shrinkMask erodes mask by radius unless that would leave fewer than a
// quarter of its pixels, in which case mask is returned unchanged.
func shrinkMask(mask []bool, w, h, radius int) []bool {
	eroded := erodeMask(mask, w, h, radius)
	if countSet(eroded)*4 < countSet(mask) {
		return mask
	}
	return eroded
}

func countSet(mask []bool) int {
	n := 0
	for _, v := range mask {
		if v {
			n++
		}
	}
	return n
}

// opaqueBounds returns the bounding box of pixels that are not fully transparent.
func opaqueBounds(img image.Image) image.Rectangle {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a <= 0x0800 {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < minX || maxY < minY {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

// gaussianBlur3 applies the separable 3x3 kernel [1 2 1]/4.
func gaussianBlur3(src *grayMap) *grayMap {
	if src.empty() {
		return newGrayMap(src.w, src.h)
	}
	tmp := newGrayMap(src.w, src.h)
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			tmp.set(x, y, 0.25*src.atReflect(x-1, y)+0.5*src.at(x, y)+0.25*src.atReflect(x+1, y))
		}
	}
	dst := newGrayMap(src.w, src.h)
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			dst.set(x, y, 0.25*tmp.atReflect(x, y-1)+0.5*tmp.at(x, y)+0.25*tmp.atReflect(x, y+1))
		}
	}
	return dst
}

// sobel returns horizontal and vertical 3x3 Sobel derivatives.
func sobel(src *grayMap) (gx, gy *grayMap) {
	gx = newGrayMap(src.w, src.h)
	gy = newGrayMap(src.w, src.h)
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			tl := src.atReflect(x-1, y-1)
			tc := src.atReflect(x, y-1)
			tr := src.atReflect(x+1, y-1)
			ml := src.atReflect(x-1, y)
			mr := src.atReflect(x+1, y)
			bl := src.atReflect(x-1, y+1)
			bc := src.atReflect(x, y+1)
			br := src.atReflect(x+1, y+1)
			gx.set(x, y, (tr+2*mr+br)-(tl+2*ml+bl))
			gy.set(x, y, (bl+2*bc+br)-(tl+2*tc+tr))
		}
	}
	return gx, gy
}

var (
	tan22 = math.Tan(22.5 * math.Pi / 180)
	tan67 = math.Tan(67.5 * math.Pi / 180)
)

// canny returns a binary edge map (0 or 255) using L1 gradient magnitude,
// non-maximum suppression and hysteresis between low and high.
func canny(src *grayMap, low, high float64) *grayMap {
	out := newGrayMap(src.w, src.h)
	if src.w < 3 || src.h < 3 {
		return out
	}
	if low > high {
		low, high = high, low
	}

	gx, gy := sobel(src)
	mag := newGrayMap(src.w, src.h)
	for i := range mag.pix {
		mag.pix[i] = math.Abs(gx.pix[i]) + math.Abs(gy.pix[i])
	}

	const (
		none = iota
		weak
		strong
	)
	state := make([]uint8, src.w*src.h)
	var stack []int

	for y := 1; y < src.h-1; y++ {
		for x := 1; x < src.w-1; x++ {
			m := mag.at(x, y)
			if m <= low {
				continue
			}
			dx, dy := gx.at(x, y), gy.at(x, y)
			ax, ay := math.Abs(dx), math.Abs(dy)

			var n1, n2 float64
			switch {
			case ay <= ax*tan22:
				n1, n2 = mag.at(x-1, y), mag.at(x+1, y)
			case ay >= ax*tan67:
				n1, n2 = mag.at(x, y-1), mag.at(x, y+1)
			case dx*dy > 0:
				n1, n2 = mag.at(x-1, y-1), mag.at(x+1, y+1)
			default:
				n1, n2 = mag.at(x+1, y-1), mag.at(x-1, y+1)
			}
			if m <= n1 || m < n2 {
				continue
			}

			idx := y*src.w + x
			if m > high {
				state[idx] = strong
				stack = append(stack, idx)
			} else {
				state[idx] = weak
			}
		}
	}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out.pix[idx] = 255
		x, y := idx%src.w, idx/src.w
		for j := -1; j <= 1; j++ {
			for i := -1; i <= 1; i++ {
				nx, ny := x+i, y+j
				if nx < 0 || ny < 0 || nx >= src.w || ny >= src.h {
					continue
				}
				n := ny*src.w + nx
				if state[n] == weak {
					state[n] = strong
					stack = append(stack, n)
				}
			}
		}
	}
	return out
}
