// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/telekom/pathfinder/internal/logger"
	"gopkg.in/yaml.v3"
)

// FileLoader loads the hosts to trace from a yaml file
type FileLoader struct {
	config FileLoaderConfig
	// extra are hosts traced before the ones of the file
	extra []string
	fsys  fs.FS
}

// targetsFile is the layout of the targets file
type targetsFile struct {
	Targets []string `yaml:"targets"`
}

func NewFileLoader(cfg *Config, extra []string) *FileLoader {
	return &FileLoader{
		config: cfg.Targets.File,
		extra:  extra,
		fsys:   os.DirFS(filepath.Dir(cfg.Targets.File.Path)),
	}
}

// Load reads the targets file. Duplicate and empty entries are dropped.
func (f *FileLoader) Load(ctx context.Context) ([]string, error) {
	log := logger.FromContext(ctx).With("path", f.config.Path)

	file, err := f.getTargetsFile(ctx)
	if err != nil {
		log.Warn("Could not get targets", "error", err)
		return nil, fmt.Errorf("could not get targets: %w", err)
	}

	var hosts []string
	for _, h := range slices.Concat(f.extra, file.Targets) {
		h = strings.TrimSpace(h)
		if h == "" || slices.Contains(hosts, h) {
			continue
		}
		hosts = append(hosts, h)
	}
	if len(hosts) == 0 {
		return nil, ErrNoTargets
	}

	log.Debug("Successfully loaded targets", "count", len(hosts))
	return hosts, nil
}

// getTargetsFile reads the targets file from the file system.
func (f *FileLoader) getTargetsFile(ctx context.Context) (tf targetsFile, err error) {
	log := logger.FromContext(ctx).With("path", f.config.Path)

	file, err := f.fsys.Open(filepath.Base(f.config.Path))
	if err != nil {
		log.Error("Failed to open targets file", "error", err)
		return tf, fmt.Errorf("failed to open targets file: %w", err)
	}
	defer func() {
		cerr := file.Close()
		if cerr != nil {
			log.Error("Failed to close targets file", "error", cerr)
		}
		err = errors.Join(cerr, err)
	}()

	b, err := io.ReadAll(file)
	if err != nil {
		log.Error("Failed to read targets file", "error", err)
		return tf, fmt.Errorf("failed to read targets file: %w", err)
	}

	if err := yaml.Unmarshal(b, &tf); err != nil {
		log.Error("Failed to parse targets file", "error", err)
		return tf, fmt.Errorf("failed to parse targets file: %w", err)
	}

	return tf, nil
}
