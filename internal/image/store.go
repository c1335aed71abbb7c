// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package image manages the guest disk images for validation runs.
//
// A single golden base image is shared by all runs. Each run boots a
// copy-on-write qcow2 overlay on top of it, so a failed run is
// discarded without a trace and a successful driver install can be
// folded back into the base with a commit.
package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/grab/v3"
)

// Store locates the base image and creates per-run overlays.
type Store struct {
	// BasePath is the golden qcow2 base image.
	BasePath string
	// DownloadURL, if set, is fetched when BasePath is missing.
	DownloadURL string
	// RunDir holds the per-run overlay images.
	RunDir string

	logger *slog.Logger
	runCmd func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewStore creates a store for the given base image.
func NewStore(basePath, downloadURL, runDir string, logger *slog.Logger) *Store {
	return &Store{
		BasePath:    basePath,
		DownloadURL: downloadURL,
		RunDir:      runDir,
		logger:      logger,
		runCmd:      runQemuImg,
	}
}

// BaseReady reports whether the base image is present.
func (s *Store) BaseReady() bool {
	info, err := os.Stat(s.BasePath)
	return err == nil && !info.IsDir()
}

// EnsureBase makes the base image available, downloading it if a URL
// is configured. The download resumes partial transfers, so an
// interrupted install does not start over.
func (s *Store) EnsureBase(ctx context.Context) error {
	if s.BaseReady() {
		return nil
	}

	if s.DownloadURL == "" {
		return fmt.Errorf("%w: %s", ErrNoBaseImage, s.BasePath)
	}

	if err := os.MkdirAll(filepath.Dir(s.BasePath), 0o755); err != nil {
		return fmt.Errorf("create image directory: %w", err)
	}

	partial := s.BasePath + ".download"

	req, err := grab.NewRequest(partial, s.DownloadURL)
	if err != nil {
		return fmt.Errorf("prepare download: %w", err)
	}

	req = req.WithContext(ctx)

	s.logger.Info("Downloading base image",
		slog.String("url", s.DownloadURL),
		slog.String("dest", s.BasePath),
	)

	resp := grab.NewClient().Do(req)

	progress := time.NewTicker(10 * time.Second)
	defer progress.Stop()

	for {
		select {
		case <-progress.C:
			s.logger.Info("Download in progress",
				slog.Int64("bytes", resp.BytesComplete()),
				slog.String("percent", fmt.Sprintf("%.0f%%", 100*resp.Progress())),
			)
		case <-resp.Done:
			if err := resp.Err(); err != nil {
				return fmt.Errorf("download base image: %w", err)
			}

			if err := os.Rename(partial, s.BasePath); err != nil {
				return fmt.Errorf("move base image into place: %w", err)
			}

			s.logger.Info("Base image ready",
				slog.Int64("bytes", resp.BytesComplete()),
			)

			return nil
		}
	}
}

// CreateOverlay creates a copy-on-write overlay for one run and
// returns its path. The base image is never opened for writing.
func (s *Store) CreateOverlay(ctx context.Context, runID string) (string, error) {
	if err := os.MkdirAll(s.RunDir, 0o755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}

	overlay := filepath.Join(s.RunDir, runID+".qcow2")

	output, err := s.runCmd(ctx, "qemu-img",
		"create", "-f", "qcow2",
		"-b", s.BasePath, "-F", "qcow2",
		overlay,
	)
	if err != nil {
		return "", fmt.Errorf("create overlay: %w: %s", err, output)
	}

	return overlay, nil
}

// Commit folds the overlay's writes into the base image and removes
// the overlay. Only call this after a clean guest shutdown, committing
// a live image corrupts the base for every later run.
func (s *Store) Commit(ctx context.Context, overlay string) error {
	output, err := s.runCmd(ctx, "qemu-img", "commit", overlay)
	if err != nil {
		return fmt.Errorf("commit overlay: %w: %s", err, output)
	}

	if err := os.Remove(overlay); err != nil {
		return fmt.Errorf("remove committed overlay: %w", err)
	}

	s.logger.Info("Committed overlay into base image",
		slog.String("overlay", overlay),
	)

	return nil
}

// Discard removes the overlay without touching the base image. Missing
// overlays are ignored.
func (s *Store) Discard(overlay string) error {
	if err := os.Remove(overlay); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove overlay: %w", err)
	}

	return nil
}

func runQemuImg(
	ctx context.Context,
	name string,
	args ...string,
) ([]byte, error) {
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if errors.Is(err, exec.ErrNotFound) {
		return output, ErrQemuImgNotFound
	}

	return output, err
}
