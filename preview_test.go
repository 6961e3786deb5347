package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"check https://example.com/page out", "https://example.com/page"},
		{"http://a.example and https://b.example", "http://a.example"},
		{"no link here", ""},
		{"trailing https://example.com/x?y=1&z=2", "https://example.com/x?y=1&z=2"},
		{"wrapped <https://example.com/q>", "https://example.com/q"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, firstURL(tc.in), tc.in)
	}
}

func encodeTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFetchLinkPreviewOpenGraph(t *testing.T) {
	imgData := encodeTestPNG(t, 200, 100)

	mux := http.NewServeMux()
	mux.HandleFunc("/thumb.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(imgData)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><head>
			<meta property="og:title" content="Example Page" />
			<meta property="og:description" content="A page for tests." />
			<meta property="og:image" content="%s/thumb.png" />
			<title>fallback title</title>
			</head><body>hi</body></html>`, srv.URL)
	})

	preview := fetchLinkPreview(context.Background(), srv.URL+"/page")
	require.NotNil(t, preview)
	assert.Equal(t, "Example Page", preview.Title)
	assert.Equal(t, "A page for tests.", preview.Description)
	require.NotEmpty(t, preview.Thumbnail)

	thumb, err := jpeg.Decode(bytes.NewReader(preview.Thumbnail))
	require.NoError(t, err)
	b := thumb.Bounds()
	assert.LessOrEqual(t, b.Dx(), 72)
	assert.LessOrEqual(t, b.Dy(), 72)
}

func TestFetchLinkPreviewFallsBackToTitleTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head>
			<title>Plain Title</title>
			<meta name="description" content="plain description" />
			</head><body></body></html>`)
	}))
	defer srv.Close()

	preview := fetchLinkPreview(context.Background(), srv.URL)
	require.NotNil(t, preview)
	assert.Equal(t, "Plain Title", preview.Title)
	assert.Equal(t, "plain description", preview.Description)
	assert.Empty(t, preview.Thumbnail)
}

func TestFetchLinkPreviewSkipsNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"title":"nope"}`)
	}))
	defer srv.Close()

	assert.Nil(t, fetchLinkPreview(context.Background(), srv.URL))
}

func TestFetchLinkPreviewWithoutMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head></head><body>nothing to see</body></html>`)
	}))
	defer srv.Close()

	assert.Nil(t, fetchLinkPreview(context.Background(), srv.URL))
}

func TestFetchImageBytesLimits(t *testing.T) {
	big := make([]byte, openGraphImageMaxBytes+1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/big":
			w.Write(big)
		case "/empty":
			w.WriteHeader(http.StatusOK)
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Write([]byte("small"))
		}
	}))
	defer srv.Close()

	assert.Nil(t, fetchImageBytes(context.Background(), srv.URL+"/big"))
	assert.Nil(t, fetchImageBytes(context.Background(), srv.URL+"/empty"))
	assert.Nil(t, fetchImageBytes(context.Background(), srv.URL+"/missing"))
	assert.Equal(t, []byte("small"), fetchImageBytes(context.Background(), srv.URL+"/ok"))
}

func TestMakeJPEGThumbnail(t *testing.T) {
	thumb, err := makeJPEGThumbnail(encodeTestPNG(t, 300, 150))
	require.NoError(t, err)
	require.NotEmpty(t, thumb)

	img, err := jpeg.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.LessOrEqual(t, img.Bounds().Dx(), 72)
	assert.LessOrEqual(t, img.Bounds().Dy(), 72)

	_, err = makeJPEGThumbnail([]byte("not an image"))
	assert.Error(t, err)
}
