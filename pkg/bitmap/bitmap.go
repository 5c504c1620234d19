// Package bitmap holds decoded images for the memory tier and converts them to
// and from the bytes kept by the persistent tier.
package bitmap

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"sync"

	"github.com/valyala/bytebufferpool"
)

var ErrReleased = errors.New("bitmap released")

// Bitmap is a decoded image. Release drops the pixel buffer; a released
// bitmap keeps its bounds but can no longer be encoded.
type Bitmap struct {
	mu       sync.RWMutex
	img      image.Image
	bounds   image.Rectangle
	released bool
}

func New(img image.Image) *Bitmap {
	return &Bitmap{img: img, bounds: img.Bounds()}
}

// Image returns the decoded image, or nil after Release.
func (b *Bitmap) Image() image.Image {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.img
}

func (b *Bitmap) Bounds() image.Rectangle {
	return b.bounds
}

func (b *Bitmap) Released() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.released
}

func (b *Bitmap) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.img = nil
	b.released = true
}

// PNGCodec stores bitmaps as PNG and decodes any registered image format.
type PNGCodec struct {
	encoder png.Encoder
}

func NewPNGCodec() *PNGCodec {
	return &PNGCodec{encoder: png.Encoder{CompressionLevel: png.DefaultCompression}}
}

func (c *PNGCodec) Encode(b *Bitmap) ([]byte, error) {
	img := b.Image()
	if img == nil {
		return nil, ErrReleased
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := c.encoder.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	return append([]byte(nil), buf.B...), nil
}

func (c *PNGCodec) Decode(data []byte) (*Bitmap, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("image decode: %w", err)
	}
	return New(img), nil
}
