package coordinator

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/sheetflow/sheetflow/constants"
)

// DirStats summarizes a directory sweep.
type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Submitted uint32
	Failed    uint32
}

// SubmitDirectory walks root and submits every spreadsheet it finds on behalf
// of ownerID. Per-file failures are logged and counted; the walk continues.
func (s *Service) SubmitDirectory(ctx context.Context, ownerID uuid.UUID, root string) (DirStats, error) {
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			s.logger.Warn("skipping unreadable path", "path", path, "err", walkErr)
			stats.Failed++
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := constants.NormalizeExt(filepath.Ext(path))
		if _, ok := constants.AllowedExtensions[ext]; !ok {
			return nil
		}
		stats.Matched++

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable file", "path", path, "err", err)
			stats.Failed++
			return nil
		}
		job, err := s.Submit(ctx, data, UploadMetadata{Filename: filepath.Base(path)}, ownerID)
		if err != nil {
			s.logger.Warn("directory submit failed", "path", path, "err", err)
			stats.Failed++
			return nil
		}
		stats.Submitted++
		s.logger.Info("directory file submitted", "path", path, "job_id", job.ID)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return stats, err
	}
	return stats, nil
}
