package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/probe-lens/internal/model"
)

// newUploaders builds the report destinations of the service section.
// Reports go to stdout when neither a directory nor a repository is set.
func newUploaders(cfg model.Service) ([]model.Uploader, error) {
	var ret []model.Uploader
	if cfg.Dir != "" {
		dir, err := NewDirUploader(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("service.dir: %w", err)
		}
		ret = append(ret, dir)
	}
	if cfg.Repository != nil {
		repo, err := NewRepoUploader(cfg.Repository.URL)
		if err != nil {
			closeAll(context.Background(), ret)
			return nil, fmt.Errorf("service.repository: %w", err)
		}
		ret = append(ret, repo)
	}
	if len(ret) == 0 {
		ret = append(ret, NewWriteUploader(os.Stdout))
	}
	return ret, nil
}

func closeAll(ctx context.Context, uploaders []model.Uploader) {
	for _, u := range uploaders {
		c, ok := u.(model.UploadCloser)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			slog.ErrorContext(ctx, "closing uploader failed", "error", err)
		}
	}
}

// WriteUploader copies reports to a writer
type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, _ string, raw []byte) error {
	_, err := u.w.Write(raw)
	return err
}

// DirUploader keeps each report as probe-lens-<run id>.json inside a
// directory. A report appears under its final name only when complete.
type DirUploader struct {
	root *os.Root
}

func NewDirUploader(path string) (*DirUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirUploader{root: root}, nil
}

func (u *DirUploader) Upload(ctx context.Context, runID string, raw []byte) error {
	if u.root == nil {
		return errors.New("directory uploader is closed")
	}
	name := "probe-lens-" + runID + ".json"
	tmp := "." + name + ".tmp"
	if err := u.root.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := u.root.Rename(tmp, name); err != nil {
		_ = u.root.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	slog.InfoContext(ctx, "report stored", "dir", u.root.Name(), "file", name)
	return nil
}

func (u *DirUploader) Close() error {
	if u.root == nil {
		return errors.New("directory uploader is closed")
	}
	root := u.root
	u.root = nil
	return root.Close()
}
