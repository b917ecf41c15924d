package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const maxImageBytes = 10 << 20

// ErrEmptyImage is returned when an image decodes to zero pixels.
var ErrEmptyImage = errors.New("image has no pixels")

// ImageFetchError reports a challenge image that could not be obtained or decoded.
type ImageFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ImageFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch image %s: unexpected status %d", shortURL(e.URL), e.StatusCode)
	}
	return fmt.Sprintf("fetch image %s: %v", shortURL(e.URL), e.Err)
}

func (e *ImageFetchError) Unwrap() error {
	return e.Err
}

// ChallengeImages is the decoded pair for one challenge attempt.
type ChallengeImages struct {
	Background image.Image
	Piece      image.Image
	// Rendered widths of the on-page elements, in CSS pixels.
	BackgroundDOMWidth float64
	PieceDOMWidth      float64
}

// DOMWidth returns the rendered width of the background. When only the piece
// was measured it is converted through the piece's own scale.
func (c ChallengeImages) DOMWidth() float64 {
	if c.BackgroundDOMWidth > 0 {
		return c.BackgroundDOMWidth
	}
	if c.PieceDOMWidth > 0 && c.Piece != nil && c.Background != nil && c.Piece.Bounds().Dx() > 0 {
		return c.PieceDOMWidth * float64(c.Background.Bounds().Dx()) / float64(c.Piece.Bounds().Dx())
	}
	return 0
}

// Fetcher downloads challenge images.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// NewFetcher returns a fetcher whose requests give up after timeout.
func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Fetch retrieves and decodes one image. data: URIs are decoded in place.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (image.Image, error) {
	if strings.HasPrefix(rawURL, "data:") {
		data, err := decodeDataURI(rawURL)
		if err != nil {
			return nil, &ImageFetchError{URL: rawURL, Err: err}
		}
		img, err := Decode(data)
		if err != nil {
			return nil, &ImageFetchError{URL: rawURL, Err: err}
		}
		return img, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &ImageFetchError{URL: rawURL, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &ImageFetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &ImageFetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, &ImageFetchError{URL: rawURL, Err: err}
	}
	img, err := Decode(data)
	if err != nil {
		return nil, &ImageFetchError{URL: rawURL, Err: err}
	}
	return img, nil
}

// Load reads an image from an http(s) or data: URL, or from a local path.
func (f *Fetcher) Load(ctx context.Context, src string) (image.Image, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") || strings.HasPrefix(src, "data:") {
		return f.Fetch(ctx, src)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, &ImageFetchError{URL: src, Err: err}
	}
	img, err := Decode(data)
	if err != nil {
		return nil, &ImageFetchError{URL: src, Err: err}
	}
	return img, nil
}

// Decode decodes PNG, JPEG, GIF, WebP or BMP bytes.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	return img, nil
}

// ResolveURL resolves ref against the page URL it was found on.
func ResolveURL(pageURL, ref string) string {
	if strings.HasPrefix(ref, "data:") {
		return ref
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

func decodeDataURI(uri string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data URI")
	}
	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decode data URI: %w", err)
		}
		return data, nil
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data URI: %w", err)
	}
	return []byte(s), nil
}

func shortURL(u string) string {
	if len(u) > 96 {
		return u[:96] + "..."
	}
	return u
}
