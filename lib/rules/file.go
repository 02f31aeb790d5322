// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// File is a rules file that is re-read whenever its modification time
// or size changes, so operators can edit rules during live calls.
type File struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	set     *Set
	modTime time.Time
	size    int64
	present bool
}

// Open returns a File for path. The file is read on first use. A nil
// logger discards.
func Open(path string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &File{path: path, logger: logger}
}

// Current returns the rule set for the file as it is now. When a
// changed file fails to parse, the previous set stays in effect.
func (f *File) Current() *Set {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if f.set == nil || f.present {
			f.logger.Warn("rules file not found, transferring every routed call", "path", f.path)
			f.set, f.present = Empty(), false
		}
		return f.set
	case err != nil:
		f.logger.Error("cannot stat rules file", "path", f.path, "error", err)
		if f.set == nil {
			f.set = Empty()
		}
		return f.set
	}

	if f.set != nil && f.present && info.ModTime().Equal(f.modTime) && info.Size() == f.size {
		return f.set
	}

	set, err := Load(f.path)
	if err != nil {
		f.logger.Error("cannot load rules file", "path", f.path, "error", err)
		if f.set == nil {
			f.set = Empty()
		}
		// Not retried until the file changes again.
		f.modTime, f.size, f.present = info.ModTime(), info.Size(), true
		return f.set
	}
	set.logSkipped(f.logger, f.path)
	f.logger.Info("loaded rules", "path", f.path, "rules", set.Len(), "skipped", len(set.Skipped), "default_action", set.DefaultAction())
	f.set, f.modTime, f.size, f.present = set, info.ModTime(), info.Size(), true
	return set
}

// Evaluate evaluates the current rule set.
func (f *File) Evaluate(data map[string]string, stage string) (string, bool) {
	return f.Current().Evaluate(data, stage)
}
