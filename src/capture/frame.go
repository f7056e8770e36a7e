package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"time"
)

// Frame is one cropped capture ready for upload.
type Frame struct {
	ID         string
	Seq        uint64
	CapturedAt time.Time
	JPEG       []byte
}

// Base64 is the queued form of the frame.
func (f Frame) Base64() string {
	return base64.StdEncoding.EncodeToString(f.JPEG)
}

// DecodeBase64 turns a queued frame back into JPEG bytes.
func DecodeBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode queued frame: %w", err)
	}
	return raw, nil
}

// CenterCrop returns the largest centered square of img.
func CenterCrop(img image.Image) image.Image {
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	square := image.Rect(x0, y0, x0+side, y0+side)

	if sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(square)
	}
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(dst, dst.Bounds(), img, square.Min, draw.Src)
	return dst
}

func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
