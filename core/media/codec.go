package media

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// decode reads an image and applies its EXIF orientation
func decode(body []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// encode writes img in the format implied by key's extension
func encode(img image.Image, key string) ([]byte, string, error) {
	format, err := imaging.FormatFromFilename(key)
	if err != nil {
		return nil, "", fmt.Errorf("unsupported image format for %s: %w", key, err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(90)); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}

	return buf.Bytes(), contentTypes[format], nil
}

var contentTypes = map[imaging.Format]string{
	imaging.JPEG: "image/jpeg",
	imaging.PNG:  "image/png",
	imaging.GIF:  "image/gif",
	imaging.TIFF: "image/tiff",
	imaging.BMP:  "image/bmp",
}
