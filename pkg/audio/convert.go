package audio

import (
	"fmt"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Converter converts PCM between two formats. Conversion order is downmix,
// resample, upmix so that resampling always runs on the fewest channels.
// A Converter is stateless and safe for concurrent use.
type Converter struct {
	From Format
	To   Format
}

// Passthrough reports whether From and To are identical.
func (c Converter) Passthrough() bool {
	return c.From == c.To
}

// Convert converts one buffer. It returns an error for odd byte counts or
// buffers that are not a whole number of interleaved sample frames.
func (c Converter) Convert(pcm []byte) ([]byte, error) {
	if c.From.Channels <= 0 || c.To.Channels <= 0 {
		return nil, fmt.Errorf("audio: convert %s -> %s: invalid channel count", c.From, c.To)
	}
	if len(pcm)%(BytesPerSample*c.From.Channels) != 0 {
		return nil, fmt.Errorf("audio: convert %s -> %s: %w: %d bytes", c.From, c.To, ErrMalformedFrame, len(pcm))
	}
	if c.Passthrough() {
		return pcm, nil
	}

	out := pcm
	channels := c.From.Channels
	if channels > 1 && c.To.Channels < channels {
		out = Downmix(out, channels)
		channels = 1
	}
	if c.From.SampleRate != c.To.SampleRate {
		out = Resample(out, channels, c.From.SampleRate, c.To.SampleRate)
	}
	if channels != c.To.Channels {
		out = Upmix(out, c.To.Channels)
	}
	return out, nil
}

// ConvertFrame converts a frame and rewrites its format fields. Seq and
// Timestamp are preserved.
func (c Converter) ConvertFrame(f AudioFrame) (AudioFrame, error) {
	data, err := c.Convert(f.Data)
	if err != nil {
		return AudioFrame{}, err
	}
	f.Data = data
	f.SampleRate = c.To.SampleRate
	f.Channels = c.To.Channels
	return f, nil
}

// Downmix averages each interleaved group of channels into one mono sample.
// The sum is taken in int32 so it never overflows.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	step := channels * BytesPerSample
	n := len(pcm) / step
	out := make([]byte, n*BytesPerSample)
	for i := range n {
		var sum int32
		for ch := range channels {
			off := i*step + ch*BytesPerSample
			sum += int32(int16(uint16(pcm[off]) | uint16(pcm[off+1])<<8))
		}
		avg := int16(sum / int32(channels))
		out[i*2] = byte(avg)
		out[i*2+1] = byte(uint16(avg) >> 8)
	}
	return out
}

// Upmix duplicates each mono sample across channels.
func Upmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	n := len(pcm) / BytesPerSample
	out := make([]byte, n*BytesPerSample*channels)
	for i := range n {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for ch := range channels {
			j := (i*channels + ch) * BytesPerSample
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// Resample converts interleaved 16-bit PCM from srcRate to dstRate with linear
// interpolation per channel. Equal or non-positive rates return pcm unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return pcm
	}
	step := channels * BytesPerSample
	srcFrames := len(pcm) / step
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, ch int) int16 {
		off := frame*step + ch*BytesPerSample
		return int16(uint16(pcm[off]) | uint16(pcm[off+1])<<8)
	}

	out := make([]byte, dstFrames*step)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0, s1 := sample(idx, ch), sample(next, ch)
			v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
			j := i*step + ch*BytesPerSample
			out[j] = byte(v)
			out[j+1] = byte(uint16(v) >> 8)
		}
	}
	return out
}
