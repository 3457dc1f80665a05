// Package wavfile reads and writes 16-bit PCM RIFF/WAV files and exposes them
// as pipeline devices: [Source] replays a file as if it were a microphone and
// [Sink] records synthesized speech to disk.
package wavfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/parley/pkg/audio"
)

const headerSize = 44

// ErrUnsupported is returned for WAV files that are not 16-bit integer PCM.
var ErrUnsupported = errors.New("wavfile: unsupported format")

// Encode wraps 16-bit little-endian PCM in a canonical 44-byte WAV header.
func Encode(pcm []byte, f audio.Format) []byte {
	buf := make([]byte, headerSize+len(pcm))
	putHeader(buf, f, len(pcm))
	copy(buf[headerSize:], pcm)
	return buf
}

func putHeader(buf []byte, f audio.Format, dataSize int) {
	blockAlign := f.Channels * audio.BytesPerSample
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
}

// Decode reads a WAV stream and returns its PCM payload and format. Chunks
// other than "fmt " and "data" are skipped.
func Decode(r io.Reader) ([]byte, audio.Format, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: read RIFF header: %w", err)
	}
	if !bytes.Equal(riff[0:4], []byte("RIFF")) || !bytes.Equal(riff[8:12], []byte("WAVE")) {
		return nil, audio.Format{}, fmt.Errorf("wavfile: %w: not a RIFF/WAVE stream", ErrUnsupported)
	}

	var (
		f      audio.Format
		haveFm bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, audio.Format{}, fmt.Errorf("wavfile: read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, audio.Format{}, fmt.Errorf("wavfile: %w: fmt chunk of %d bytes", ErrUnsupported, size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, audio.Format{}, fmt.Errorf("wavfile: read fmt chunk: %w", err)
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 {
				return nil, audio.Format{}, fmt.Errorf("wavfile: %w: format tag %d", ErrUnsupported, tag)
			}
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return nil, audio.Format{}, fmt.Errorf("wavfile: %w: %d bits per sample", ErrUnsupported, bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			haveFm = true
		case "data":
			if !haveFm {
				return nil, audio.Format{}, fmt.Errorf("wavfile: %w: data before fmt", ErrUnsupported)
			}
			pcm, err := io.ReadAll(io.LimitReader(r, size))
			if err != nil {
				return nil, audio.Format{}, fmt.Errorf("wavfile: read data chunk: %w", err)
			}
			return pcm[:len(pcm)-len(pcm)%audio.BytesPerSample], f, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return nil, audio.Format{}, fmt.Errorf("wavfile: skip %q chunk: %w", id, err)
			}
		}
	}
}
