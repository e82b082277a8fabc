// Package encode packages captured float samples as a 16-bit PCM WAV
// container and wraps it in base64 for text-only transports.
package encode

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/petems/loopback-tray/internal/audio"
)

const (
	bitDepth     = 16
	formatPCMInt = 1
	maxInt16     = float32(math.MaxInt16)

	// the container is assembled in a memory filesystem; the encoder seeks
	// back to patch the RIFF and data chunk sizes
	containerName = "capture.wav"
)

// ErrInvalidFormat is returned for a zero channel count or sample rate
var ErrInvalidFormat = errors.New("invalid stream format")

// Encoded is a base64 (standard alphabet, padded) encoding of a WAV file
type Encoded struct {
	text string
}

// String returns the base64 text
func (e Encoded) String() string {
	return e.text
}

// WAV decodes the transport encoding back to container bytes
func (e Encoded) WAV() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.text)
}

// Quantize clamps x to [-1, 1], scales by 32767 and truncates toward zero.
// NaN maps to 0.
func Quantize(x float32) int16 {
	if x != x {
		return 0
	}
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	return int16(x * maxInt16)
}

// WAV builds a RIFF/WAVE container holding samples as interleaved signed
// 16-bit PCM in the given format.
func WAV(samples []float32, f audio.Format) ([]byte, error) {
	if f.Channels == 0 || f.SampleRate == 0 {
		return nil, fmt.Errorf("failed to create WAV writer: %w (%d Hz, %d channels)", ErrInvalidFormat, f.SampleRate, f.Channels)
	}

	fs := afero.NewMemMapFs()
	out, err := fs.Create(containerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV writer: %w", err)
	}
	defer out.Close()

	enc := wav.NewEncoder(out, int(f.SampleRate), bitDepth, int(f.Channels), formatPCMInt)

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: int(f.Channels),
			SampleRate:  int(f.SampleRate),
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: bitDepth,
	}
	for i, s := range samples {
		buf.Data[i] = int(Quantize(s))
	}

	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize WAV: %w", err)
	}
	return afero.ReadFile(fs, containerName)
}

// Encode runs WAV and applies the base64 transport encoding
func Encode(samples []float32, f audio.Format) (Encoded, error) {
	data, err := WAV(samples, f)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{text: base64.StdEncoding.EncodeToString(data)}, nil
}
