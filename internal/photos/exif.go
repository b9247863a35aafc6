package photos

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// Offset tags live in the Exif sub-IFD and are not among the fields goexif loads
const (
	tagOffsetTime          uint16 = 0x9010
	tagOffsetTimeOriginal  uint16 = 0x9011
	tagOffsetTimeDigitized uint16 = 0x9012
)

// Metadata is what the index needs from a photo's EXIF block
type Metadata struct {
	CaptureUTC *time.Time
	Latitude   *float64
	Longitude  *float64
}

// ReadMetadata extracts capture time and GPS position. A file without EXIF yields empty metadata.
func ReadMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		if exif.IsCriticalError(err) {
			return Metadata{}, nil
		}
		if x == nil {
			return Metadata{}, fmt.Errorf("failed to decode exif: %w", err)
		}
	}

	var meta Metadata
	offsets := readOffsets(x)

	dateFields := []struct {
		field  exif.FieldName
		offset uint16
	}{
		{exif.DateTimeOriginal, tagOffsetTimeOriginal},
		{exif.DateTimeDigitized, tagOffsetTimeDigitized},
		{exif.DateTime, tagOffsetTime},
	}
	for _, df := range dateFields {
		value, ok := stringTag(x, df.field)
		if !ok {
			continue
		}
		if ts, ok := parseExifTime(value, offsets[df.offset]); ok {
			meta.CaptureUTC = &ts
			break
		}
	}

	if lat, lon, ok := readGPS(x); ok {
		meta.Latitude = &lat
		meta.Longitude = &lon
	}

	return meta, nil
}

func stringTag(x *exif.Exif, field exif.FieldName) (string, bool) {
	tag, err := x.Get(field)
	if err != nil {
		return "", false
	}
	value, err := tag.StringVal()
	if err != nil {
		return "", false
	}
	value = strings.TrimRight(value, "\x00 ")
	return value, value != ""
}

// parseExifTime parses an EXIF date with an optional "+03:00" style offset; no offset means UTC
func parseExifTime(value, offset string) (time.Time, bool) {
	value = strings.TrimSpace(strings.TrimRight(value, "\x00"))
	if value == "" || strings.HasPrefix(value, "0000") {
		return time.Time{}, false
	}

	loc := time.UTC
	if offset = strings.TrimSpace(strings.TrimRight(offset, "\x00")); offset != "" {
		if parsed, err := time.Parse("-07:00", offset); err == nil {
			_, secs := parsed.Zone()
			loc = time.FixedZone(offset, secs)
		}
	}

	ts, err := time.ParseInLocation(exifTimeLayout, value, loc)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// readOffsets walks the raw Exif sub-IFD for the OffsetTime* tags
func readOffsets(x *exif.Exif) map[uint16]string {
	offsets := map[uint16]string{}
	if x == nil || len(x.Raw) == 0 || x.Tiff == nil {
		return offsets
	}

	pointer, err := x.Get(exif.ExifIFDPointer)
	if err != nil {
		return offsets
	}
	pos, err := pointer.Int64(0)
	if err != nil || pos <= 0 || pos >= int64(len(x.Raw)) {
		return offsets
	}

	r := bytes.NewReader(x.Raw)
	if _, err := r.Seek(pos, io.SeekStart); err != nil {
		return offsets
	}
	dir, _, err := tiff.DecodeDir(r, x.Tiff.Order)
	if err != nil {
		return offsets
	}

	for _, tag := range dir.Tags {
		switch tag.Id {
		case tagOffsetTime, tagOffsetTimeOriginal, tagOffsetTimeDigitized:
			if value, err := tag.StringVal(); err == nil {
				offsets[tag.Id] = value
			}
		}
	}
	return offsets
}

func readGPS(x *exif.Exif) (float64, float64, bool) {
	lat, ok := readCoordinate(x, exif.GPSLatitude, exif.GPSLatitudeRef)
	if !ok {
		return 0, 0, false
	}
	lon, ok := readCoordinate(x, exif.GPSLongitude, exif.GPSLongitudeRef)
	if !ok {
		return 0, 0, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 || (lat == 0 && lon == 0) {
		return 0, 0, false
	}
	return lat, lon, true
}

func readCoordinate(x *exif.Exif, field, refField exif.FieldName) (float64, bool) {
	tag, err := x.Get(field)
	if err != nil || tag.Count < 3 {
		return 0, false
	}

	var parts [3]float64
	for i := range parts {
		num, den, err := tag.Rat2(i)
		if err != nil || den == 0 {
			return 0, false
		}
		parts[i] = float64(num) / float64(den)
	}

	ref, _ := stringTag(x, refField)
	return dmsToDecimal(parts[0], parts[1], parts[2], ref), true
}

// dmsToDecimal converts degrees/minutes/seconds to signed decimal degrees; S and W are negative
func dmsToDecimal(degrees, minutes, seconds float64, ref string) float64 {
	value := degrees + minutes/60 + seconds/3600
	switch strings.ToUpper(strings.TrimSpace(ref)) {
	case "S", "W":
		return -value
	}
	return value
}
