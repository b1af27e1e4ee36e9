// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/pun"
)

const (
	liveLink          = "live"
	generationsDir    = "generations"
	DefaultKeep       = 3
	stagingPrefix     = "candidate-"
	temporaryLinkName = ".live-"
)

// PublisherConfig configures NewPublisher.
type PublisherConfig struct {
	// ConfigDir is owned by the publisher. Required.
	ConfigDir string

	// StagingDir holds candidates during validation. It must be
	// outside the live tree and on the same filesystem as ConfigDir.
	// Required.
	StagingDir string

	Renderer   Renderer
	Controller ProxyController

	// Keep is how many installed generations to retain, including
	// the live one. Defaults to DefaultKeep.
	Keep int

	Logger *slog.Logger
}

// Publisher installs routing configuration. Publish calls are
// serialized.
type Publisher struct {
	renderer   Renderer
	controller ProxyController
	configDir  string
	stagingDir string
	keep       int
	logger     *slog.Logger

	mu              sync.Mutex
	installedDigest string
	lastVersion     uint64
	reloadPending   bool
}

// NewPublisher prepares the configuration and staging directories and
// picks up the currently live generation, if any.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.ConfigDir == "" || cfg.StagingDir == "" {
		return nil, errors.New("routing: ConfigDir and StagingDir are required")
	}
	p := &Publisher{
		renderer:   cfg.Renderer,
		controller: cfg.Controller,
		configDir:  cfg.ConfigDir,
		stagingDir: cfg.StagingDir,
		keep:       cfg.Keep,
		logger:     cfg.Logger,
	}
	if p.controller == nil {
		p.controller = NopController{}
	}
	if p.keep <= 0 {
		p.keep = DefaultKeep
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(filepath.Join(p.configDir, generationsDir), 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", p.configDir, err)
	}
	if err := os.MkdirAll(p.stagingDir, 0750); err != nil {
		return nil, fmt.Errorf("creating %s: %w", p.stagingDir, err)
	}
	p.cleanStaging()

	if target, err := os.Readlink(filepath.Join(p.configDir, liveLink)); err == nil {
		p.installedDigest = filepath.Base(target)
	}
	return p, nil
}

// LiveDir is the path the proxy includes.
func (p *Publisher) LiveDir() string {
	return filepath.Join(p.configDir, liveLink)
}

// InstalledDigest returns the digest of the live bundle, or "" if none
// has been installed.
func (p *Publisher) InstalledDigest() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installedDigest
}

// ReloadPending reports whether the live configuration has not yet been
// loaded by the proxy because a reload failed.
func (p *Publisher) ReloadPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloadPending
}

// Publish renders snapshot, validates it, installs it, and reloads the
// proxy.
//
// A snapshot older than the last one installed is ignored, so when
// publishes race the newest registry state wins. An unchanged bundle
// is not reinstalled and only triggers a reload if a previous reload
// failed.
//
// On *InvalidConfigError the live configuration is untouched. On
// *ReloadError the new configuration is installed but not yet active.
func (p *Publisher) Publish(ctx context.Context, snapshot pun.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snapshot.Version < p.lastVersion {
		p.logger.Debug("skipping stale routing snapshot",
			"version", snapshot.Version,
			"installed_version", p.lastVersion,
		)
		return nil
	}

	bundle, err := p.renderer.Render(snapshot)
	if err != nil {
		return fmt.Errorf("rendering routes: %w", err)
	}
	digest := bundle.Digest()

	if digest == p.installedDigest {
		p.lastVersion = snapshot.Version
		if !p.reloadPending {
			return nil
		}
		return p.reloadLocked(ctx, digest)
	}

	candidate, err := p.stage(bundle)
	if err != nil {
		return err
	}
	output, err := p.controller.Validate(ctx, candidate)
	if err != nil {
		os.RemoveAll(candidate)
		p.logger.Error("proxy rejected routing configuration",
			"digest", digest,
			"routes", len(snapshot.Routes),
			"output", output,
			"error", err,
		)
		return &InvalidConfigError{Output: output, Err: err}
	}

	if err := p.install(candidate, digest); err != nil {
		os.RemoveAll(candidate)
		return fmt.Errorf("installing routes: %w", err)
	}
	p.installedDigest = digest
	p.lastVersion = snapshot.Version
	p.reloadPending = true
	p.logger.Info("routing configuration installed",
		"digest", digest,
		"version", snapshot.Version,
		"routes", len(snapshot.Routes),
	)
	p.prune(digest)

	return p.reloadLocked(ctx, digest)
}

func (p *Publisher) reloadLocked(ctx context.Context, digest string) error {
	if err := p.controller.Reload(ctx); err != nil {
		p.logger.Error("proxy reload failed", "digest", digest, "error", err)
		return &ReloadError{Err: err}
	}
	p.reloadPending = false
	return nil
}

// stage writes bundle into a new directory under the staging area.
func (p *Publisher) stage(bundle Bundle) (string, error) {
	candidate, err := os.MkdirTemp(p.stagingDir, stagingPrefix)
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	// MkdirTemp creates 0700; the proxy must be able to read the
	// generation once installed.
	if err := os.Chmod(candidate, 0755); err != nil {
		os.RemoveAll(candidate)
		return "", err
	}
	for _, name := range bundle.Names() {
		if err := writeSynced(filepath.Join(candidate, name), bundle[name]); err != nil {
			os.RemoveAll(candidate)
			return "", fmt.Errorf("staging %s: %w", name, err)
		}
	}
	return candidate, nil
}

// install moves candidate into the generations directory and points
// the live link at it.
func (p *Publisher) install(candidate, digest string) error {
	generation := filepath.Join(p.configDir, generationsDir, digest)
	if _, err := os.Stat(generation); err == nil {
		// Same content was installed before; reuse it.
		os.RemoveAll(candidate)
		now := time.Now()
		os.Chtimes(generation, now, now)
	} else if err := os.Rename(candidate, generation); err != nil {
		return err
	}

	temporary := filepath.Join(p.configDir, temporaryLinkName+digest)
	os.Remove(temporary)
	if err := os.Symlink(filepath.Join(generationsDir, digest), temporary); err != nil {
		return err
	}
	if err := os.Rename(temporary, filepath.Join(p.configDir, liveLink)); err != nil {
		os.Remove(temporary)
		return err
	}
	return syncDir(p.configDir)
}

// prune removes the oldest generations beyond the retention count. The
// live generation is never removed.
func (p *Publisher) prune(live string) {
	directory := filepath.Join(p.configDir, generationsDir)
	entries, err := os.ReadDir(directory)
	if err != nil {
		p.logger.Warn("listing generations failed", "error", err)
		return
	}
	type generation struct {
		name     string
		modified time.Time
	}
	var generations []generation
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == live {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		generations = append(generations, generation{entry.Name(), info.ModTime()})
	}
	sort.Slice(generations, func(i, j int) bool {
		return generations[i].modified.After(generations[j].modified)
	})
	for i, old := range generations {
		if i < p.keep-1 {
			continue
		}
		if err := os.RemoveAll(filepath.Join(directory, old.name)); err != nil {
			p.logger.Warn("removing old generation failed", "generation", old.name, "error", err)
		}
	}
}

// cleanStaging removes candidates left by an interrupted publish.
func (p *Publisher) cleanStaging() {
	leftovers, _ := filepath.Glob(filepath.Join(p.stagingDir, stagingPrefix+"*"))
	for _, leftover := range leftovers {
		os.RemoveAll(leftover)
	}
}

func writeSynced(path string, content []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := file.Write(content); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func syncDir(path string) error {
	directory, err := os.Open(path)
	if err != nil {
		return err
	}
	defer directory.Close()
	return directory.Sync()
}
