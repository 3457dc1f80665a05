package whisper

import (
	"encoding/binary"

	"github.com/MrWong99/parley/pkg/audio"
)

// modelFormat is the only input format whisper.cpp models accept.
var modelFormat = audio.Format{SampleRate: 16000, Channels: 1}

// pcmToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to [-1.0, 1.0]. A trailing odd byte is ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// modelInput converts PCM in format f to the float32 16 kHz mono samples the
// model expects.
func modelInput(pcm []byte, f audio.Format) ([]float32, error) {
	conv := audio.Converter{From: f, To: modelFormat}
	mono, err := conv.Convert(pcm)
	if err != nil {
		return nil, err
	}
	return pcmToFloat32(mono), nil
}
