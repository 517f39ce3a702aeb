package garment

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func servePNG(t *testing.T, width, height int, fill color.Color) http.HandlerFunc {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}
}

func TestCombiner_Combine_StacksVertically(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/shirt.png", servePNG(t, 40, 30, color.RGBA{R: 255, A: 255}))
	mux.HandleFunc("/pants.png", servePNG(t, 20, 50, color.RGBA{B: 255, A: 255}))

	server := httptest.NewServer(mux)
	defer server.Close()

	combiner := NewCombiner(time.Second, nil)
	data, err := combiner.Combine(context.Background(), []string{
		server.URL + "/shirt.png",
		server.URL + "/pants.png",
	})
	require.NoError(t, err)

	combined, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	// Max width, summed height.
	assert.Equal(t, 40, combined.Bounds().Dx())
	assert.Equal(t, 80, combined.Bounds().Dy())
}

func TestCombiner_Combine_SingleImagePassthrough(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/outfit.png", servePNG(t, 25, 35, color.RGBA{G: 255, A: 255}))

	server := httptest.NewServer(mux)
	defer server.Close()

	combiner := NewCombiner(time.Second, nil)
	data, err := combiner.Combine(context.Background(), []string{server.URL + "/outfit.png"})
	require.NoError(t, err)

	combined, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 25, combined.Bounds().Dx())
	assert.Equal(t, 35, combined.Bounds().Dy())
}

func TestCombiner_Combine_EmptyInput(t *testing.T) {
	combiner := NewCombiner(time.Second, nil)
	_, err := combiner.Combine(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestCombiner_Combine_UnreachableURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	combiner := NewCombiner(time.Second, nil)
	_, err := combiner.Combine(context.Background(), []string{server.URL + "/missing.png"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}

func TestCombiner_Combine_NotAnImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not an image</html>"))
	}))
	defer server.Close()

	combiner := NewCombiner(time.Second, nil)
	_, err := combiner.Combine(context.Background(), []string{server.URL + "/page"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}
