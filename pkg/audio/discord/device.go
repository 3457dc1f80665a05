// Package discord is a single-speaker voice device backed by a Discord voice
// channel via bwmarrin/discordgo. Incoming Opus is decoded with gopus into
// 48 kHz stereo PCM for the capture layer; synthesized PCM is encoded back to
// Opus for playback.
//
// Discord mixes nothing on the receive side: every participant arrives as a
// separate SSRC stream. A [Device] follows one speaker, either the user named
// with [WithSpeaker] or the first SSRC it hears, and discards the rest.
package discord

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Option configures a [Device].
type Option func(*Device)

// WithSpeaker restricts capture to the Discord user with the given ID. The
// user's SSRC is learned from speaking updates.
func WithSpeaker(userID string) Option {
	return func(d *Device) { d.speaker = userID }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// Device owns one joined voice connection. [Device.Source] and [Device.Sink]
// share it; Close leaves the channel.
//
// Device is safe for concurrent use.
type Device struct {
	vc  *discordgo.VoiceConnection
	log *slog.Logger

	mu      sync.Mutex
	speaker string
	ssrc    uint32
	locked  bool

	// leave and speaking default to the voice connection's methods and are
	// overridden in tests.
	leave    func() error
	speaking func(bool) error

	closeOnce sync.Once
	done      chan struct{}
}

// Join joins channelID in guildID on an open session. The session stays
// owned by the caller.
func Join(s *discordgo.Session, guildID, channelID string, opts ...Option) (*Device, error) {
	// mute=false (we send audio), deaf=false (we receive audio).
	vc, err := s.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	d := newDevice(vc, opts...)
	vc.AddHandler(d.handleSpeakingUpdate)
	return d, nil
}

func newDevice(vc *discordgo.VoiceConnection, opts ...Option) *Device {
	d := &Device{
		vc:       vc,
		log:      slog.Default(),
		leave:    vc.Disconnect,
		speaking: vc.Speaking,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Close leaves the voice channel. It is safe to call more than once;
// subsequent calls return nil.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		if d.leave != nil {
			err = d.leave()
		}
	})
	return err
}

// Speaker returns the SSRC being followed, or false when none is locked yet.
func (d *Device) Speaker() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ssrc, d.locked
}

// accept reports whether a packet from ssrc belongs to the followed speaker.
func (d *Device) accept(ssrc uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return ssrc == d.ssrc
	}
	if d.speaker != "" {
		return false
	}
	d.ssrc, d.locked = ssrc, true
	d.log.Info("discord: following speaker", "ssrc", strconv.FormatUint(uint64(ssrc), 10))
	return true
}

// handleSpeakingUpdate maps the configured speaker's user ID to its SSRC.
func (d *Device) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.speaker == "" || vs.UserID != d.speaker {
		return
	}
	ssrc := uint32(vs.SSRC)
	if !d.locked || d.ssrc != ssrc {
		d.log.Info("discord: speaker ssrc mapped", "user", vs.UserID, "ssrc", vs.SSRC)
	}
	d.ssrc, d.locked = ssrc, true
}

func (d *Device) setSpeaking(on bool) {
	if d.speaking == nil {
		return
	}
	if err := d.speaking(on); err != nil {
		d.log.Warn("discord: speaking notification error", "speaking", on, "error", err)
	}
}
