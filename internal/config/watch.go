package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/recouphq/voiceagent/internal/outcome"
)

// LoadPhrases reads a phrase-list override file (YAML or JSON5).
func LoadPhrases(path string) (outcome.PhraseConfig, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return outcome.PhraseConfig{}, err
	}
	payload, err := yamlRoundTrip[outcome.PhraseConfig](raw)
	if err != nil {
		return outcome.PhraseConfig{}, fmt.Errorf("failed to parse phrases file: %w", err)
	}
	return payload, nil
}

// WatchPhrases reloads the phrase file into the classifier whenever it
// changes on disk. Editors replace files by rename, so the parent directory
// is watched rather than the file itself. Blocks until ctx is canceled.
func WatchPhrases(ctx context.Context, path string, classifier *outcome.Classifier, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return err
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			phrases, err := LoadPhrases(absPath)
			if err != nil {
				logger.Warn("phrase reload failed", "path", absPath, "error", err)
				return
			}
			classifier.SetPhrases(phrases)
			logger.Info("phrase lists reloaded", "path", absPath)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != absPath {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("phrase watch error", "error", err)
		}
	}
}
