// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package defsloader watches a directory of workflow definition files
// (YAML or JSON) and keeps the DefinitionStore in sync with what's on
// disk, the same way the teacher's internal/controller/filewatcher
// drives its trigger registry: an fsnotify.Watcher feeds a handleEvent
// dispatcher, and a single doublestar include glob (there is no exclude
// list) decides which paths matter before any work happens. Every matching create/write loads the file and calls
// DefinitionStore.UpsertDefinitionBySlug, giving §3's definition
// versioning a real filesystem-driven caller instead of only its own
// unit tests.
package defsloader

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	intlog "github.com/tombee/workflow-core/internal/log"
	"github.com/tombee/workflow-core/internal/repository"
)

// Loader watches Dir for files matching Pattern and upserts each one as
// a workflow definition keyed by its parsed slug.
type Loader struct {
	Dir     string
	Pattern string
	Store   repository.DefinitionStore
	Logger  *slog.Logger

	watcher *fsnotify.Watcher
}

// New constructs a Loader. Pattern defaults to "**/*.{yaml,yml,json}"
// when empty.
func New(dir, pattern string, store repository.DefinitionStore, logger *slog.Logger) *Loader {
	if pattern == "" {
		pattern = "**/*.{yaml,yml,json}"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		Dir:     dir,
		Pattern: pattern,
		Store:   store,
		Logger:  intlog.WithComponent(logger, "defsloader"),
	}
}

// LoadAll walks Dir once, upserting every file that matches Pattern. Run
// at startup so the store reflects what's on disk before the first
// filesystem event ever fires.
func (l *Loader) LoadAll(ctx context.Context) error {
	matches, err := doublestar.Glob(dirFS(l.Dir), l.Pattern)
	if err != nil {
		return fmt.Errorf("glob %s: %w", l.Pattern, err)
	}
	for _, rel := range matches {
		l.loadPath(ctx, filepath.Join(l.Dir, rel))
	}
	return nil
}

// Start begins watching Dir for filesystem events and upserting
// matching files as they're created or modified. It returns once the
// initial watch is registered; the event loop runs in the background
// until ctx is canceled or Stop is called.
func (l *Loader) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create definitions watcher: %w", err)
	}
	if err := fsw.Add(l.Dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", l.Dir, err)
	}
	l.watcher = fsw

	go l.eventLoop(ctx)
	l.Logger.Info("definitions loader started", slog.String("dir", l.Dir), slog.String("pattern", l.Pattern))
	return nil
}

// Stop releases the underlying fsnotify watcher.
func (l *Loader) Stop() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}

func (l *Loader) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(ctx, event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.Logger.Warn("definitions watcher error", slog.Any("error", err))
		}
	}
}

func (l *Loader) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !l.matches(event.Name) {
		return
	}
	l.loadPath(ctx, event.Name)
}

func (l *Loader) matches(path string) bool {
	rel, err := filepath.Rel(l.Dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)
	matched, err := doublestar.Match(l.Pattern, rel)
	return err == nil && matched
}

func (l *Loader) loadPath(ctx context.Context, path string) {
	def, err := parseDefinitionFile(path)
	if err != nil {
		l.Logger.Warn("parse workflow definition file", slog.String("path", path), slog.Any("error", err))
		return
	}

	updated, changed, err := l.Store.UpsertDefinitionBySlug(ctx, def)
	if err != nil {
		l.Logger.Warn("upsert workflow definition", slog.String("path", path), slog.String("slug", def.Slug), slog.Any("error", err))
		return
	}
	if changed {
		l.Logger.Info("loaded workflow definition", slog.String("path", path), slog.String("slug", updated.Slug), slog.Int("version", updated.Version))
	}
}
