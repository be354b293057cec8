package pixel

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	raw := encodePNG(t, 8, 6, color.RGBA{R: 200, A: 255})

	img, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "png", img.Format)
	require.Equal(t, 8, img.Width())
	require.Equal(t, 6, img.Height())
	require.Equal(t, raw, img.Raw)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)

	_, err = Decode([]byte("definitely not an image"))
	require.Error(t, err)
}
