package captcha

import (
	"context"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcher_Fetch(t *testing.T) {
	pngBytes := encodePNG(t, uniformImage(12, 8, color.RGBA{10, 20, 30, 255}))

	mux := http.NewServeMux()
	mux.HandleFunc("/bg.png", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	})
	mux.HandleFunc("/garbage", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("definitely not an image"))
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write(pngBytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewFetcher(2*time.Second, "test-agent")
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		img, err := f.Fetch(ctx, srv.URL+"/bg.png")
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 12, 8), img.Bounds())
	})

	t.Run("not found", func(t *testing.T) {
		_, err := f.Fetch(ctx, srv.URL+"/missing.png")
		var fe *ImageFetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	})

	t.Run("undecodable", func(t *testing.T) {
		_, err := f.Fetch(ctx, srv.URL+"/garbage")
		var fe *ImageFetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, 0, fe.StatusCode)
		assert.Contains(t, err.Error(), "decode image")
	})

	t.Run("empty body", func(t *testing.T) {
		_, err := f.Fetch(ctx, srv.URL+"/empty")
		require.ErrorIs(t, err, ErrEmptyImage)
	})

	t.Run("timeout", func(t *testing.T) {
		short := NewFetcher(50*time.Millisecond, "test-agent")
		_, err := short.Fetch(ctx, srv.URL+"/slow")
		var fe *ImageFetchError
		require.ErrorAs(t, err, &fe)
	})
}

func TestFetcher_DataURI(t *testing.T) {
	f := NewFetcher(time.Second, "")
	img, err := f.Fetch(context.Background(), dataURI(t, uniformImage(5, 4, color.White)))
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())

	_, err = f.Fetch(context.Background(), "data:image/png;base64")
	var fe *ImageFetchError
	require.ErrorAs(t, err, &fe)

	_, err = f.Fetch(context.Background(), "data:image/png;base64,!!!")
	require.ErrorAs(t, err, &fe)
}

func TestFetcher_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "piece.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, uniformImage(7, 7, color.Black)), 0644))

	f := NewFetcher(time.Second, "")
	img, err := f.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 7, img.Bounds().Dy())

	_, err = f.Load(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	var fe *ImageFetchError
	require.ErrorAs(t, err, &fe)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestResolveURL(t *testing.T) {
	assert.Equal(t, "https://portal.example/static/bg.png", ResolveURL("https://portal.example/login?x=1", "/static/bg.png"))
	assert.Equal(t, "https://cdn.example/p.png", ResolveURL("https://portal.example/login", "https://cdn.example/p.png"))
	assert.Equal(t, "data:image/png;base64,AAAA", ResolveURL("https://portal.example/login", "data:image/png;base64,AAAA"))
}

func TestChallengeImages_DOMWidth(t *testing.T) {
	bg := uniformImage(300, 150, color.White)
	pc := uniformImage(60, 60, color.White)

	assert.Equal(t, 340.0, ChallengeImages{Background: bg, Piece: pc, BackgroundDOMWidth: 340}.DOMWidth())
	assert.Equal(t, 340.0, ChallengeImages{Background: bg, Piece: pc, PieceDOMWidth: 68}.DOMWidth())
	assert.Equal(t, 0.0, ChallengeImages{Background: bg, Piece: pc}.DOMWidth())
}
