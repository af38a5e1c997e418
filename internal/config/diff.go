package config

import (
	"reflect"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs. Hot-reloadable
// fields are reported individually; anything else that changed is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LanguagesChanged bool
	NewLanguages     []string

	PacingChanged bool
	NewPacing     *time.Duration

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.LanguagesChanged || d.PacingChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Scheduler.Languages, new.Scheduler.Languages) {
		d.LanguagesChanged = true
		d.NewLanguages = slices.Clone(new.Scheduler.Languages)
	}
	if !samePacing(old.Scheduler.Pacing, new.Scheduler.Pacing) {
		d.PacingChanged = true
		d.NewPacing = new.Scheduler.Pacing
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldSched, newSched := old.Scheduler, new.Scheduler
	oldSched.Languages, newSched.Languages = nil, nil
	oldSched.Pacing, newSched.Pacing = nil, nil

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"sources", old.Sources, new.Sources},
		{"discord", old.Discord, new.Discord},
		{"storage", old.Storage, new.Storage},
		{"transcription", old.Transcription, new.Transcription},
		{"translation", old.Translation, new.Translation},
		{"scheduler", oldSched, newSched},
		{"events", old.Events, new.Events},
		{"mcp", old.MCP, new.MCP},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

func samePacing(a, b *time.Duration) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
