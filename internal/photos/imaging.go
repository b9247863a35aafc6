package photos

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"

	_ "image/gif"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned when an image can be decoded but not re-encoded
var ErrUnsupportedFormat = errors.New("unsupported image format for re-encoding")

// TargetSize scales (w, h) uniformly so the larger side equals maxSide.
// Sizes already within maxSide are returned unchanged.
func TargetSize(w, h, maxSide int) (int, int) {
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return w, h
	}
	scale := float64(maxSide) / float64(max(w, h))
	return scaled(w, scale), scaled(h, scale)
}

// ThumbnailSize applies the thumbnail scale min(1, thumbMax/max(w, h))
func ThumbnailSize(w, h, thumbMax int) (int, int) {
	if w <= 0 || h <= 0 || thumbMax <= 0 {
		return w, h
	}
	scale := math.Min(1, float64(thumbMax)/float64(max(w, h)))
	return scaled(w, scale), scaled(h, scale)
}

func scaled(v int, scale float64) int {
	return max(1, int(math.Round(float64(v)*scale)))
}

// Dimensions reads the pixel size and format name without decoding the whole image
func Dimensions(path string) (int, int, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, "", err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return 0, 0, "", fmt.Errorf("failed to read image header: %w", err)
	}
	return cfg.Width, cfg.Height, format, nil
}

func canEncode(format string) bool {
	switch format {
	case "jpeg", "png", "tiff", "bmp":
		return true
	}
	return false
}

// ResizeFile shrinks the image at path in place when either side exceeds maxSide.
// The replacement is written to a sibling temp file and renamed over the original.
func ResizeFile(path string, maxSide, jpegQuality int) (bool, error) {
	w, h, format, err := Dimensions(path)
	if err != nil {
		return false, err
	}
	tw, th := TargetSize(w, h, maxSide)
	if tw == w && th == h {
		return false, nil
	}
	if !canEncode(format) {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	original, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	src, _, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return false, fmt.Errorf("failed to decode image: %w", err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := encode(&buf, dst, format, jpegQuality); err != nil {
		return false, err
	}
	out := buf.Bytes()
	if format == "jpeg" {
		out = spliceExif(original, out)
	}

	if err := writeAtomic(path, out); err != nil {
		return false, err
	}
	return true, nil
}

// WriteThumbnail renders a JPEG thumbnail of src at dst
func WriteThumbnail(src, dst string, thumbMax, jpegQuality int) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	img, _, err := image.Decode(bufio.NewReader(f))
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	b := img.Bounds()
	tw, th := ThumbnailSize(b.Dx(), b.Dy(), thumbMax)
	thumb := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return writeAtomic(dst, buf.Bytes())
}

func encode(buf *bytes.Buffer, img image.Image, format string, jpegQuality int) error {
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(buf, img, &jpeg.Options{Quality: jpegQuality})
	case "png":
		err = png.Encode(buf, img)
	case "tiff":
		err = tiff.Encode(buf, img, &tiff.Options{Compression: tiff.Deflate})
	case "bmp":
		err = bmp.Encode(buf, img)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return nil
}

// spliceExif copies the APP1 Exif segment of original right after the SOI marker of encoded
func spliceExif(original, encoded []byte) []byte {
	segment := exifSegment(original)
	if segment == nil || len(encoded) < 2 || encoded[0] != 0xFF || encoded[1] != 0xD8 {
		return encoded
	}
	out := make([]byte, 0, len(encoded)+len(segment))
	out = append(out, encoded[:2]...)
	out = append(out, segment...)
	return append(out, encoded[2:]...)
}

// exifSegment returns the raw APP1 Exif segment (marker included) of a JPEG, or nil
func exifSegment(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil
	}
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return nil
		}
		marker := data[pos+1]
		if marker == 0xDA || marker == 0xD9 {
			return nil
		}
		length := int(data[pos+2])<<8 | int(data[pos+3])
		end := pos + 2 + length
		if length < 2 || end > len(data) {
			return nil
		}
		if marker == 0xE1 && bytes.HasPrefix(data[pos+4:end], []byte("Exif\x00\x00")) {
			return data[pos:end]
		}
		pos = end
	}
	return nil
}

// writeAtomic writes data to a temp file next to path and renames it into place
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".img-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
