// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/changkun/monsched/policy"
)

// Watcher reloads the policy section of a config file into a live
// policy.Static whenever the file changes. Other sections need a restart.
type Watcher struct {
	path string
	dst  *policy.Static
	log  *zap.Logger
	fw   *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching path. The directory is watched rather than the
// file because editors and config management replace files by rename.
func Watch(path string, dst *policy.Static, log *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	w := &Watcher{
		path: abs,
		dst:  dst,
		log:  log.Named("config"),
		fw:   fw,
		done: make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case e, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != w.path || !(e.Has(fsnotify.Write) || e.Has(fsnotify.Create)) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.log.Warn("keeping current policy", zap.Error(err))
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Reload reads the file and swaps its policy tables in. An unreadable or
// invalid file leaves the current tables in place.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := w.dst.Replace(cfg.Policy); err != nil {
		return err
	}
	w.log.Info("policy reloaded",
		zap.Int("tiers", len(cfg.Policy.Tiers)),
		zap.Int("marketplaces", len(cfg.Policy.Marketplaces)))
	return nil
}

// Close stops watching and waits for the watch goroutine to exit.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
