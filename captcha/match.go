package captcha

import "math"

const flatEpsilon = 1e-9

// matchTemplate computes the zero-mean normalized cross-correlation of tpl at
// every placement inside img (TM_CCOEFF_NORMED). When mask is non-nil only
// template pixels whose mask entry is set take part: the means, the variances
// and the cross term are all taken over those pixels alone.
//
// The second return value is false when the map carries no signal: template
// larger than image, an empty mask, a flat template, or a map with a single
// constant value.
func matchTemplate(img, tpl *grayMap, mask []bool) (*grayMap, bool) {
	if img.empty() || tpl.empty() || tpl.w > img.w || tpl.h > img.h {
		return newGrayMap(0, 0), false
	}

	// Offsets of the sampled template pixels within an image window.
	var offsets []int
	var values []float64
	for j := 0; j < tpl.h; j++ {
		for i := 0; i < tpl.w; i++ {
			if mask != nil && !mask[j*tpl.w+i] {
				continue
			}
			offsets = append(offsets, j*img.w+i)
			values = append(values, tpl.at(i, j))
		}
	}

	rw, rh := img.w-tpl.w+1, img.h-tpl.h+1
	out := newGrayMap(rw, rh)
	if len(values) == 0 {
		return out, false
	}

	n := float64(len(values))
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= n

	var tplNorm float64
	for k, v := range values {
		c := v - mean
		values[k] = c
		tplNorm += c * c
	}
	if tplNorm <= n*1e-6 {
		return out, false
	}

	for y := 0; y < rh; y++ {
		for x := 0; x < rw; x++ {
			base := y*img.w + x
			var num, s, sq float64
			for k, off := range offsets {
				v := img.pix[base+off]
				num += values[k] * v
				s += v
				sq += v * v
			}

			variance := sq - s*s/n
			// Rounding leaves residue on flat windows.
			if variance <= n*1e-6 {
				continue
			}
			r := num / math.Sqrt(variance*tplNorm)
			if r > 1 {
				r = 1
			} else if r < -1 {
				r = -1
			}
			out.set(x, y, r)
		}
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range out.pix {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return out, hi-lo > flatEpsilon
}

// argmax returns the first position of the largest value in row-major order.
func argmax(g *grayMap) (int, int, float64) {
	best, bx, by := math.Inf(-1), 0, 0
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			if v := g.at(x, y); v > best {
				best, bx, by = v, x, y
			}
		}
	}
	return bx, by, best
}
