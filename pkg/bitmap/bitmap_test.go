package bitmap

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 13, 7))
	for y := 0; y < 7; y++ {
		for x := 0; x < 13; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 19), G: uint8(y * 31), B: 200, A: 255})
		}
	}
	return img
}

func TestPNGCodec_RoundTripIsPixelIdentical(t *testing.T) {
	codec := NewPNGCodec()
	src := testImage()

	data, err := codec.Encode(New(src))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("expected PNG signature, got %q", data[:8])
	}

	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Bounds() != src.Bounds() {
		t.Fatalf("bounds = %v, want %v", decoded.Bounds(), src.Bounds())
	}
	for y := 0; y < 7; y++ {
		for x := 0; x < 13; x++ {
			want := color.NRGBAModel.Convert(src.At(x, y))
			got := color.NRGBAModel.Convert(decoded.Image().At(x, y))
			if got != want {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestPNGCodec_DecodesJPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testImage(), nil); err != nil {
		t.Fatal(err)
	}
	b, err := NewPNGCodec().Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode of JPEG failed: %v", err)
	}
	if b.Bounds().Dx() != 13 {
		t.Errorf("unexpected width %d", b.Bounds().Dx())
	}
}

func TestPNGCodec_DecodeGarbage(t *testing.T) {
	if _, err := NewPNGCodec().Decode([]byte("not an image")); err == nil {
		t.Error("expected decode error")
	}
}

func TestBitmap_Release(t *testing.T) {
	b := New(testImage())
	b.Release()

	if !b.Released() || b.Image() != nil {
		t.Error("expected pixels to be dropped after Release")
	}
	if b.Bounds().Dx() != 13 {
		t.Error("bounds should survive Release")
	}
	if _, err := NewPNGCodec().Encode(b); !errors.Is(err, ErrReleased) {
		t.Errorf("Encode after Release = %v, want ErrReleased", err)
	}
}
