package config

import (
	"cmp"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// PhrasesChanged is true if any phrase was added, removed or modified.
	// Phrases are hot reloaded.
	PhrasesChanged bool
	PhraseChanges  []PhraseDiff

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists top-level sections that changed but only take
	// effect after a restart (e.g. "audio", "recognizer").
	RestartRequired []string
}

// PhraseDiff describes what changed for a single phrase ID.
type PhraseDiff struct {
	ID               string
	Added            bool
	Removed          bool
	TextChanged      bool
	ThresholdChanged bool
	CooldownChanged  bool
}

// Diff compares old and new configs and returns what changed. Phrase changes
// are reported sorted by ID.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldPhrases := make(map[string]*PhraseConfig, len(old.Phrases))
	for i := range old.Phrases {
		oldPhrases[old.Phrases[i].ID] = &old.Phrases[i]
	}
	newPhrases := make(map[string]*PhraseConfig, len(new.Phrases))
	for i := range new.Phrases {
		newPhrases[new.Phrases[i].ID] = &new.Phrases[i]
	}

	for id, op := range oldPhrases {
		np, exists := newPhrases[id]
		if !exists {
			d.PhraseChanges = append(d.PhraseChanges, PhraseDiff{ID: id, Removed: true})
			continue
		}
		if pd := diffPhrase(id, op, np); pd.TextChanged || pd.ThresholdChanged || pd.CooldownChanged {
			d.PhraseChanges = append(d.PhraseChanges, pd)
		}
	}
	for id := range newPhrases {
		if _, exists := oldPhrases[id]; !exists {
			d.PhraseChanges = append(d.PhraseChanges, PhraseDiff{ID: id, Added: true})
		}
	}
	slices.SortFunc(d.PhraseChanges, func(a, b PhraseDiff) int { return cmp.Compare(a.ID, b.ID) })
	d.PhrasesChanged = len(d.PhraseChanges) > 0

	sections := []struct {
		name     string
		old, new any
	}{
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"server.tls", old.Server.TLS, new.Server.TLS},
		{"server.trace_sample_ratio", old.Server.TraceSampleRatio, new.Server.TraceSampleRatio},
		{"audio", old.Audio, new.Audio},
		{"recognizer", old.Recognizer, new.Recognizer},
		{"matcher", old.Matcher, new.Matcher},
		{"events", old.Events, new.Events},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}

// diffPhrase compares two phrase configs with the same ID.
func diffPhrase(id string, old, new *PhraseConfig) PhraseDiff {
	pd := PhraseDiff{ID: id}
	if old.Text != new.Text {
		pd.TextChanged = true
	}
	if old.Spec().Threshold != new.Spec().Threshold {
		pd.ThresholdChanged = true
	}
	if old.Cooldown != new.Cooldown {
		pd.CooldownChanged = true
	}
	return pd
}
