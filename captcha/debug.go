package captcha

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/fogleman/gg"
)

// RenderOverlay draws the matched placement and notch centre over the background.
func RenderOverlay(background image.Image, est GapEstimate) image.Image {
	dc := gg.NewContextForImage(background)
	b := background.Bounds()

	dc.SetLineWidth(2)
	dc.SetRGBA(1, 0, 0, 0.9)
	dc.DrawRectangle(float64(est.MatchX), float64(est.MatchY), float64(est.PieceWidth), float64(est.PieceHeight))
	dc.Stroke()

	dc.SetRGBA(0, 1, 0, 0.9)
	dc.DrawLine(est.RawX, 0, est.RawX, float64(b.Dy()))
	dc.Stroke()

	label := fmt.Sprintf("x=%.1f conf=%.2f", est.RawX, est.Confidence)
	dc.SetRGBA(0, 0, 0, 0.6)
	dc.DrawRectangle(0, 0, float64(len(label))*7+6, 16)
	dc.Fill()
	dc.SetRGB(1, 1, 1)
	dc.DrawString(label, 3, 12)

	return dc.Image()
}

// WriteOverlay renders the overlay and saves it as PNG at path.
func WriteOverlay(path string, background image.Image, est GapEstimate) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create debug directory: %w", err)
	}
	dc := gg.NewContextForImage(RenderOverlay(background, est))
	if err := dc.SavePNG(path); err != nil {
		return fmt.Errorf("failed to write overlay: %w", err)
	}
	return nil
}
