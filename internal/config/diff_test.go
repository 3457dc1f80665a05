package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

func loadMinimal(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old, new := loadMinimal(t), loadMinimal(t)
	d := config.Diff(old, new)
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_HotReloadableFields(t *testing.T) {
	t.Parallel()
	old, new := loadMinimal(t), loadMinimal(t)
	new.Server.LogLevel = config.LogDebug
	new.Persona.Language = "fr"
	new.Persona.Vocabulary = []string{"Zanzibar"}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: %+v", d)
	}
	if !d.LanguageChanged || d.NewLanguage != "fr" {
		t.Errorf("language: %+v", d)
	}
	if !d.VocabularyChanged || !slices.Equal(d.NewVocabulary, []string{"Zanzibar"}) {
		t.Errorf("vocabulary: %+v", d)
	}
	if !d.HotReloadable() {
		t.Error("HotReloadable() = false")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}

	new.Persona.Vocabulary[0] = "changed"
	if d.NewVocabulary[0] != "Zanzibar" {
		t.Error("diff shares the vocabulary slice with the config")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, []string{"server"}},
		{"vad mode", func(c *config.Config) { m := 3; c.Audio.VADMode = &m }, []string{"audio"}},
		{"segmenter", func(c *config.Config) { c.Segmenter.EndHold = 40 }, []string{"segmenter"}},
		{"timeouts", func(c *config.Config) { c.Timeouts.Generate = time.Minute }, []string{"timeouts"}},
		{"provider option", func(c *config.Config) {
			c.Providers.TTS.Options = map[string]any{"voice": "v2"}
		}, []string{"providers"}},
		{"persona prompt", func(c *config.Config) { c.Persona.SystemPrompt = "new" }, []string{"persona"}},
		{"history", func(c *config.Config) { c.History.PostgresDSN = "postgres://x" }, []string{"history"}},
		{"several", func(c *config.Config) {
			c.Timeouts.Speak = time.Second
			c.Server.ListenAddr = ":2"
		}, []string{"server", "timeouts"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := loadMinimal(t), loadMinimal(t)
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Equal(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.want)
			}
			if d.HotReloadable() {
				t.Errorf("unexpected hot-reloadable change: %+v", d)
			}
		})
	}
}
