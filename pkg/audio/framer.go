package audio

import "time"

// Framer re-chunks a PCM stream of arbitrary packet sizes into frames of an
// exact length. Devices that receive audio in network-sized packets use it to
// feed the pipeline with frames that pass [ValidateFrame].
//
// A Framer is not safe for concurrent use.
type Framer struct {
	format  Format
	frameMs int
	size    int
	buf     []byte
	seq     uint64
}

// NewFramer returns a Framer producing frameMs frames in format f.
func NewFramer(f Format, frameMs int) *Framer {
	return &Framer{
		format:  f,
		frameMs: frameMs,
		size:    FrameBytes(f.SampleRate, frameMs) * max(f.Channels, 1),
	}
}

// FrameSize returns the byte length of each frame produced.
func (fr *Framer) FrameSize() int { return fr.size }

// Write appends pcm and returns every complete frame now available. Partial
// trailing data is kept for the next call.
func (fr *Framer) Write(pcm []byte) []AudioFrame {
	if fr.size == 0 {
		return nil
	}
	fr.buf = append(fr.buf, pcm...)
	var frames []AudioFrame
	for len(fr.buf) >= fr.size {
		data := make([]byte, fr.size)
		copy(data, fr.buf[:fr.size])
		fr.buf = fr.buf[fr.size:]
		frames = append(frames, AudioFrame{
			Data:       data,
			SampleRate: fr.format.SampleRate,
			Channels:   fr.format.Channels,
			Seq:        fr.seq,
			Timestamp:  time.Duration(fr.seq) * time.Duration(fr.frameMs) * time.Millisecond,
		})
		fr.seq++
	}
	if len(fr.buf) == 0 {
		fr.buf = nil
	}
	return frames
}

// Pending returns the number of buffered bytes that do not yet form a frame.
func (fr *Framer) Pending() int { return len(fr.buf) }

// Flush returns the buffered remainder padded with silence to a full frame, or
// false when nothing is buffered.
func (fr *Framer) Flush() (AudioFrame, bool) {
	if len(fr.buf) == 0 {
		return AudioFrame{}, false
	}
	pad := make([]byte, fr.size-len(fr.buf))
	frames := fr.Write(pad)
	return frames[0], true
}
