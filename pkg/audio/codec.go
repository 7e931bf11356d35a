package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"mime"
	"strconv"
)

// MIMEPCM is the media type of 16-bit little-endian PCM frames.
const MIMEPCM = "audio/pcm"

// pcmScale maps between normalised floats and int16 sample values.
const pcmScale = 32768.0

// CodecError reports a frame that could not be decoded. It is recoverable:
// the offending frame is dropped and the stream continues.
type CodecError struct {
	// Reason is a short description of what was wrong with the frame.
	Reason string

	// Err is the underlying cause, if any.
	Err error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: codec: %s: %v", e.Reason, e.Err)
	}
	return "audio: codec: " + e.Reason
}

func (e *CodecError) Unwrap() error { return e.Err }

// Quantize converts a normalised sample to int16 via round(s*32768), clamped
// to the int16 range.
func Quantize(s float32) int16 {
	v := math.Round(float64(s) * pcmScale)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Dequantize converts an int16 sample back to a normalised float.
func Dequantize(v int16) float32 {
	return float32(float64(v) / pcmScale)
}

// AppendPCM16 quantizes b, interleaves its channels and appends the result to
// dst as little-endian int16.
func AppendPCM16(dst []byte, b SampleBlock) []byte {
	n, ch := b.Len(), b.Channels()
	for i := 0; i < n; i++ {
		for c := 0; c < ch; c++ {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(Quantize(b.Samples[c][i])))
		}
	}
	return dst
}

// ParsePCM16 de-interleaves little-endian int16 PCM into a SampleBlock of the
// given format. The byte length must be a multiple of 2*channels.
func ParsePCM16(pcm []byte, f Format) (SampleBlock, error) {
	if !f.Valid() {
		return SampleBlock{}, &CodecError{Reason: fmt.Sprintf("invalid format %s", f)}
	}
	stride := 2 * f.Channels
	if len(pcm)%stride != 0 {
		return SampleBlock{}, &CodecError{
			Reason: fmt.Sprintf("payload of %d bytes is not a multiple of %d", len(pcm), stride),
		}
	}

	n := len(pcm) / stride
	samples := make([][]float32, f.Channels)
	for c := range samples {
		samples[c] = make([]float32, n)
	}
	for i := 0; i < n; i++ {
		for c := 0; c < f.Channels; c++ {
			off := i*stride + 2*c
			samples[c][i] = Dequantize(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
	}
	return SampleBlock{SampleRate: f.SampleRate, Samples: samples}, nil
}

// Encode converts b to a transport Frame: quantized int16 PCM, base64-encoded.
func Encode(b SampleBlock) Frame {
	pcm := AppendPCM16(make([]byte, 0, 2*b.Len()*b.Channels()), b)
	data := make([]byte, base64.StdEncoding.EncodedLen(len(pcm)))
	base64.StdEncoding.Encode(data, pcm)
	return Frame{Data: data, Format: b.Format()}
}

// Decode is the inverse of [Encode]. It returns a *[CodecError] when the
// payload is not valid base64, when its length does not align to whole
// sample frames, or when the descriptor is invalid.
func Decode(f Frame) (SampleBlock, error) {
	if !f.Format.Valid() {
		return SampleBlock{}, &CodecError{Reason: fmt.Sprintf("invalid format %s", f.Format)}
	}
	pcm := make([]byte, base64.StdEncoding.DecodedLen(len(f.Data)))
	n, err := base64.StdEncoding.Decode(pcm, f.Data)
	if err != nil {
		return SampleBlock{}, &CodecError{Reason: "invalid base64 payload", Err: err}
	}
	return ParsePCM16(pcm[:n], f.Format)
}

// MIMEType renders the descriptor for f. The channel parameter is only
// included for multi-channel audio.
func MIMEType(f Format) string {
	s := MIMEPCM + ";rate=" + strconv.Itoa(f.SampleRate)
	if f.Channels > 1 {
		s += ";channels=" + strconv.Itoa(f.Channels)
	}
	return s
}

// ParseMIMEType parses a descriptor such as "audio/pcm;rate=24000". Missing
// parameters are taken from fallback.
func ParseMIMEType(s string, fallback Format) (Format, error) {
	mediaType, params, err := mime.ParseMediaType(s)
	if err != nil {
		return Format{}, fmt.Errorf("audio: parse mime type %q: %w", s, err)
	}
	if mediaType != MIMEPCM {
		return Format{}, fmt.Errorf("audio: unsupported media type %q", mediaType)
	}

	f := fallback
	if v, ok := params["rate"]; ok {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return Format{}, fmt.Errorf("audio: invalid rate %q in %q", v, s)
		}
		f.SampleRate = rate
	}
	if v, ok := params["channels"]; ok {
		ch, err := strconv.Atoi(v)
		if err != nil || ch <= 0 {
			return Format{}, fmt.Errorf("audio: invalid channels %q in %q", v, s)
		}
		f.Channels = ch
	}
	if f.Channels == 0 {
		f.Channels = 1
	}
	return f, nil
}
