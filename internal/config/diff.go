package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; everything else is summed
// up in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LanguageChanged bool
	NewLanguage     string

	VocabularyChanged bool
	NewVocabulary     []string

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart, in declaration order.
	RestartRequired []string
}

// HotReloadable reports whether d contains a change that can be applied
// without restarting.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.LanguageChanged || d.VocabularyChanged
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.HotReloadable() && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Persona.Language != new.Persona.Language {
		d.LanguageChanged = true
		d.NewLanguage = new.Persona.Language
	}
	if !slices.Equal(old.Persona.Vocabulary, new.Persona.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = slices.Clone(new.Persona.Vocabulary)
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Segmenter != new.Segmenter {
		d.RestartRequired = append(d.RestartRequired, "segmenter")
	}
	if old.Timeouts != new.Timeouts {
		d.RestartRequired = append(d.RestartRequired, "timeouts")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if personaRestart(old.Persona, new.Persona) {
		d.RestartRequired = append(d.RestartRequired, "persona")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	return d
}

// personaRestart compares the persona fields that are fixed at startup.
func personaRestart(old, new PersonaConfig) bool {
	old.Language, new.Language = "", ""
	old.Vocabulary, new.Vocabulary = nil, nil
	return !reflect.DeepEqual(old, new)
}
