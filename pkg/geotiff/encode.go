package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"io"
	"math"
	"sort"
)

const (
	DataType_Byte     = 1
	DataType_ASCII    = 2
	DataType_Short    = 3
	DataType_Long     = 4
	DataType_Rational = 5
	DataType_Double   = 12

	TagType_ImageWidth                = 256
	TagType_ImageLength               = 257
	TagType_BitsPerSample             = 258
	TagType_Compression               = 259
	TagType_PhotometricInterpretation = 262
	TagType_ImageDescription          = 270
	TagType_StripOffsets              = 273
	TagType_SamplesPerPixel           = 277
	TagType_RowsPerStrip              = 278
	TagType_StripByteCounts           = 279
	TagType_XResolution               = 282
	TagType_YResolution               = 283
	TagType_ResolutionUnit            = 296
	TagType_Software                  = 305
	TagType_ExtraSamples              = 338

	// GeoTIFF Tags
	TagType_ModelPixelScaleTag = 33550
	TagType_ModelTiepointTag   = 33922
	TagType_GeoKeyDirectoryTag = 34735
	TagType_GeoDoubleParamsTag = 34736
	TagType_GeoAsciiParamsTag  = 34737
)

var enc = binary.LittleEndian

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

// Encode writes m to w as a single-strip, uncompressed, little-endian RGBA TIFF.
// extraTags maps tag id to value; supported value types are []uint16 (SHORT),
// []uint32 (LONG), []float64 (DOUBLE) and string (ASCII).
func Encode(w io.Writer, m image.Image, extraTags map[uint16]interface{}) error {
	bounds := m.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("cannot encode empty image")
	}

	pixels := rgbaPixels(m)
	if uint64(len(pixels)) > math.MaxUint32 {
		return fmt.Errorf("image too large for a classic TIFF: %dx%d", width, height)
	}

	var entries []ifdEntry
	add := func(tag uint16, datatype uint16, count uint32, data []byte) {
		entries = append(entries, ifdEntry{tag, datatype, count, data})
	}

	add(TagType_ImageWidth, DataType_Long, 1, enc32(uint32(width)))
	add(TagType_ImageLength, DataType_Long, 1, enc32(uint32(height)))
	add(TagType_BitsPerSample, DataType_Short, 4, enc16s([]uint16{8, 8, 8, 8}))
	add(TagType_Compression, DataType_Short, 1, enc16(1))
	add(TagType_PhotometricInterpretation, DataType_Short, 1, enc16(2))
	add(TagType_SamplesPerPixel, DataType_Short, 1, enc16(4))
	add(TagType_RowsPerStrip, DataType_Long, 1, enc32(uint32(height)))
	add(TagType_XResolution, DataType_Rational, 1, encRational(72, 1))
	add(TagType_YResolution, DataType_Rational, 1, encRational(72, 1))
	add(TagType_ResolutionUnit, DataType_Short, 1, enc16(2))
	add(TagType_ExtraSamples, DataType_Short, 1, enc16(2)) // unassociated alpha
	// patched once the layout is known
	add(TagType_StripOffsets, DataType_Long, 1, make([]byte, 4))
	add(TagType_StripByteCounts, DataType_Long, 1, enc32(uint32(len(pixels))))

	for tag, val := range extraTags {
		switch v := val.(type) {
		case []uint16:
			add(tag, DataType_Short, uint32(len(v)), enc16s(v))
		case []uint32:
			add(tag, DataType_Long, uint32(len(v)), enc32s(v))
		case []float64:
			add(tag, DataType_Double, uint32(len(v)), encDoubles(v))
		case string:
			b := append([]byte(v), 0)
			add(tag, DataType_ASCII, uint32(len(b)), b)
		default:
			return fmt.Errorf("unsupported tag value type %T for tag %d", val, tag)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	const headerSize = 8
	ifdSize := 2 + 12*len(entries) + 4
	valueDataOffset := headerSize + ifdSize

	// values wider than 4 bytes live after the IFD, word aligned
	var valueData bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.data) <= 4 {
			continue
		}
		offset := uint32(valueDataOffset + valueData.Len())
		valueData.Write(e.data)
		if valueData.Len()%2 == 1 {
			valueData.WriteByte(0)
		}
		e.data = enc32(offset)
	}

	pixelsOffset := uint32(valueDataOffset + valueData.Len())
	for i := range entries {
		if entries[i].tag == TagType_StripOffsets {
			entries[i].data = enc32(pixelsOffset)
		}
	}

	var head bytes.Buffer
	head.Write([]byte{'I', 'I', 0x2A, 0x00})
	binary.Write(&head, enc, uint32(headerSize))
	binary.Write(&head, enc, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&head, enc, e.tag)
		binary.Write(&head, enc, e.datatype)
		binary.Write(&head, enc, e.count)
		var val [4]byte
		copy(val[:], e.data)
		head.Write(val[:])
	}
	binary.Write(&head, enc, uint32(0))

	if _, err := head.WriteTo(w); err != nil {
		return err
	}
	if _, err := valueData.WriteTo(w); err != nil {
		return err
	}
	_, err := w.Write(pixels)
	return err
}

// rgbaPixels returns non-premultiplied 8-bit RGBA samples in row order
func rgbaPixels(m image.Image) []byte {
	b := m.Bounds()
	if n, ok := m.(*image.NRGBA); ok && n.Stride == 4*b.Dx() && b.Min == n.Rect.Min {
		return n.Pix[:4*b.Dx()*b.Dy()]
	}
	n := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(n, n.Bounds(), m, b.Min, draw.Src)
	return n.Pix
}

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func enc32s(vs []uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		enc.PutUint32(b[i*4:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
