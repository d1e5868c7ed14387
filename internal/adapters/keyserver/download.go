package keyserver

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/pkg/logger"
)

const maxExtractFileSize = 32 << 20

// DownloadBatches fetches the batch index, downloads every batch that skip
// does not reject and extracts it into a fresh temporary directory. skip is
// called sequentially, in index order. On failure or cancellation nothing
// is left on disk.
func (c *Client) DownloadBatches(ctx context.Context, skip func(name string) bool, progress *model.Progress) (model.Batch, error) {
	index, err := c.get(ctx, c.baseURL+"/"+indexPath, maxResponseBytes)
	if err != nil {
		return model.Batch{}, fmt.Errorf("download index: %w", err)
	}

	var names []string
	for _, line := range strings.Split(string(index), "\n") {
		name := strings.TrimSpace(line)
		if name == "" || (skip != nil && skip(name)) {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return model.Batch{}, nil
	}
	progress.AddTotal(int64(len(names)))

	dir, err := os.MkdirTemp(c.tempDir, "keys-")
	if err != nil {
		return model.Batch{}, fmt.Errorf("creating batch directory: %w", err)
	}

	var (
		mu    sync.Mutex
		files = make([][]string, len(names))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, name := range names {
		g.Go(func() error {
			extracted, err := c.downloadBatch(gctx, name, filepath.Join(dir, strconv.Itoa(i)))
			if err != nil {
				if ctx.Err() != nil {
					return transportErr(ctx, ctx.Err())
				}
				return fmt.Errorf("batch %s: %w", name, err)
			}
			mu.Lock()
			files[i] = extracted
			mu.Unlock()
			progress.Complete()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if rerr := os.RemoveAll(dir); rerr != nil {
			c.logger.Warn(ctx, "remove partial batches", logger.String("dir", dir), logger.Error(rerr))
		}
		return model.Batch{}, err
	}

	batch := model.Batch{Names: names, Dir: dir}
	for _, f := range files {
		batch.Files = append(batch.Files, f...)
	}
	c.logger.Info(ctx, "key batches downloaded",
		logger.Int("batches", len(names)),
		logger.Int("files", len(batch.Files)),
	)
	return batch, nil
}

func (c *Client) downloadBatch(ctx context.Context, name, dest string) ([]string, error) {
	data, err := c.get(ctx, c.baseURL+"/"+strings.TrimLeft(name, "/"), maxArchiveBytes)
	if err != nil {
		return nil, err
	}
	return extractZip(ctx, data, dest)
}

// extractZip writes the regular, non-hidden files of a zip archive below
// dest and returns their paths in archive order.
func extractZip(ctx context.Context, data []byte, dest string) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: opening archive: %w", model.ErrDecodingFailed, err)
	}
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return nil, fmt.Errorf("creating extraction directory: %w", err)
	}

	cleanDest := filepath.Clean(dest)
	var out []string
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("extraction cancelled: %w", err)
		}
		name := path.Clean(f.Name)
		if f.FileInfo().IsDir() || strings.HasPrefix(path.Base(name), ".") {
			continue
		}
		if !validRelPath(name) {
			return nil, fmt.Errorf("%w: invalid path in archive: %s", model.ErrDecodingFailed, f.Name)
		}
		target := filepath.Join(cleanDest, filepath.FromSlash(name))
		if !strings.HasPrefix(target, cleanDest+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: path escapes destination: %s", model.ErrDecodingFailed, f.Name)
		}
		if err := extractFile(f, target); err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	return out, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", model.ErrDecodingFailed, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // target validated by extractZip
	if err != nil {
		return fmt.Errorf("creating file %s: %w", target, err)
	}
	written, err := io.Copy(out, io.LimitReader(rc, maxExtractFileSize+1))
	closeErr := out.Close()
	switch {
	case err != nil:
		return fmt.Errorf("%w: extracting %s: %w", model.ErrDecodingFailed, f.Name, err)
	case closeErr != nil:
		return fmt.Errorf("closing file %s: %w", target, closeErr)
	case written > maxExtractFileSize:
		return fmt.Errorf("%w: %s exceeds %d bytes", model.ErrDecodingFailed, f.Name, maxExtractFileSize)
	}
	return nil
}

// validRelPath rejects absolute paths and any ".." component.
func validRelPath(p string) bool {
	if p == "" || p == "." || strings.Contains(p, `\`) || strings.HasPrefix(p, "/") {
		return false
	}
	return !slices.Contains(strings.Split(p, "/"), "..")
}
