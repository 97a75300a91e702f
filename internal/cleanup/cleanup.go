package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/podcast_downloader/internal/logctx"
)

// DeleteOrphanPartials deletes partial files under dir that no live transfer
// writes to and that were last modified more than keepDuration ago. live holds
// the destinations of the transfers the engine still knows about. It returns
// the number of files removed.
func DeleteOrphanPartials(ctx context.Context, dir, suffix string, live []string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	owned := make(map[string]struct{}, len(live))
	for _, dest := range live {
		owned[filepath.Clean(dest+suffix)] = struct{}{}
	}

	var removed int

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // already deleted
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}

		if _, ok := owned[filepath.Clean(path)]; ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			logger.Error("Failed to stat file", "file", path, "err", err)

			return err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			return nil
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete orphan partial file", "file", path, "err", err)

			return err
		}

		removed++

		logger.Info("Deleted orphan partial file", "file", path, "age", now.Sub(info.ModTime()).Round(time.Second))

		return nil
	})

	return removed, err
}
