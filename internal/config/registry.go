package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// DeviceSpec is the pipeline format a device factory should produce or accept.
type DeviceSpec struct {
	Format  audio.Format
	FrameMs int
}

// CaptureFactory returns an opener for a capture device. The opener is called
// once at startup and again whenever the device has to be reopened.
type CaptureFactory func(ProviderEntry, DeviceSpec) (audio.SourceOpener, error)

// PlaybackFactory opens a playback device.
type PlaybackFactory func(ProviderEntry, DeviceSpec) (audio.Sink, error)

// factories is a named set of constructors of one kind.
type factories[F any] map[string]F

func (f factories[F]) lookup(kind, name string) (F, error) {
	factory, ok := f[name]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, name)
	}
	return factory, nil
}

func (f factories[F]) names() []string {
	out := make([]string, 0, len(f))
	for n := range f {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	capture  factories[CaptureFactory]
	playback factories[PlaybackFactory]
	vad      factories[func(ProviderEntry) (vad.Engine, error)]
	stt      factories[func(ProviderEntry) (stt.Provider, error)]
	llm      factories[func(ProviderEntry) (llm.Provider, error)]
	tts      factories[func(ProviderEntry) (tts.Provider, error)]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:  make(factories[CaptureFactory]),
		playback: make(factories[PlaybackFactory]),
		vad:      make(factories[func(ProviderEntry) (vad.Engine, error)]),
		stt:      make(factories[func(ProviderEntry) (stt.Provider, error)]),
		llm:      make(factories[func(ProviderEntry) (llm.Provider, error)]),
		tts:      make(factories[func(ProviderEntry) (tts.Provider, error)]),
	}
}

// RegisterCapture registers a capture device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a playback device factory under name.
func (r *Registry) RegisterPlayback(name string, factory PlaybackFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateCapture returns the opener produced by the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateCapture(entry ProviderEntry, spec DeviceSpec) (audio.SourceOpener, error) {
	r.mu.RLock()
	factory, err := r.capture.lookup("capture", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry, spec)
}

// CreatePlayback opens the playback device registered under entry.Name.
func (r *Registry) CreatePlayback(entry ProviderEntry, spec DeviceSpec) (audio.Sink, error) {
	r.mu.RLock()
	factory, err := r.playback.lookup("playback", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry, spec)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, err := r.vad.lookup("vad", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, err := r.stt.lookup("stt", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, err := r.llm.lookup("llm", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, err := r.tts.lookup("tts", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// Names returns the sorted registered names for kind ("capture", "playback",
// "vad", "stt", "llm" or "tts"). Unknown kinds return nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "capture":
		return r.capture.names()
	case "playback":
		return r.playback.names()
	case "vad":
		return r.vad.names()
	case "stt":
		return r.stt.names()
	case "llm":
		return r.llm.names()
	case "tts":
		return r.tts.names()
	}
	return nil
}
