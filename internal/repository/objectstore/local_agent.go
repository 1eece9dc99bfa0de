package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/zzenonn/zstore-cluster/internal/checksum"
)

// CapacityFunc reports the total and free bytes of the volume behind a node.
type CapacityFunc func() (total, free int64, err error)

// LocalAgent stores pieces as files below a root directory of an afero filesystem.
type LocalAgent struct {
	fs       afero.Fs
	root     string
	address  string
	capacity CapacityFunc
}

// NewLocalAgent creates an agent rooted at root on the host filesystem.
func NewLocalAgent(root string) *LocalAgent {
	return &LocalAgent{
		fs:       afero.NewOsFs(),
		root:     root,
		address:  "file://" + root,
		capacity: func() (int64, int64, error) { return diskCapacity(root) },
	}
}

// NewLocalAgentFs creates an agent on an arbitrary filesystem. capacity may be nil,
// in which case the node reports unknown capacity.
func NewLocalAgentFs(fsys afero.Fs, root string, capacity CapacityFunc) *LocalAgent {
	return &LocalAgent{
		fs:       fsys,
		root:     root,
		address:  "file://" + root,
		capacity: capacity,
	}
}

func (a *LocalAgent) Address() string {
	return a.address
}

func (a *LocalAgent) path(rel string) string {
	return filepath.Join(a.root, filepath.FromSlash(rel))
}

// Upload writes the piece, replacing any previous copy. Partial files are removed on failure.
func (a *LocalAgent) Upload(ctx context.Context, ref PieceRef, r io.Reader) (UploadResult, error) {
	target := a.path(PiecePath(ref))
	if err := a.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return UploadResult{}, fmt.Errorf("failed to create directory for %s: %w", ref, err)
	}

	f, err := a.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to open %s: %w", target, err)
	}

	hr := checksum.NewReader(r)
	_, copyErr := io.Copy(f, &contextReader{ctx: ctx, r: hr})
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		if rmErr := a.fs.Remove(target); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			log.Warnf("Failed to remove partial piece %s: %v", target, rmErr)
		}
		return UploadResult{}, fmt.Errorf("failed to write %s: %w", ref, err)
	}

	return UploadResult{Checksum: hr.Sum(), BytesWritten: hr.BytesRead()}, nil
}

func (a *LocalAgent) Download(ctx context.Context, ref PieceRef) (io.ReadCloser, error) {
	f, err := a.fs.Open(a.path(PiecePath(ref)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrPieceNotFound
		}
		return nil, err
	}
	return f, nil
}

// Delete removes the object's directory and returns how many pieces it held.
func (a *LocalAgent) Delete(ctx context.Context, objectID string) (int, error) {
	dir := a.path(ObjectDir(objectID))
	entries, err := afero.ReadDir(a.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	if err := a.fs.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("failed to delete %s: %w", dir, err)
	}
	return len(entries), nil
}

func (a *LocalAgent) Exists(ctx context.Context, ref PieceRef) (bool, error) {
	return afero.Exists(a.fs, a.path(PiecePath(ref)))
}

// Health reports volume capacity and the number of stored objects.
func (a *LocalAgent) Health(ctx context.Context) (NodeHealth, error) {
	if err := a.fs.MkdirAll(a.root, 0o755); err != nil {
		return NodeHealth{}, fmt.Errorf("storage root %s is not usable: %w", a.root, err)
	}

	health := NodeHealth{Healthy: true, ObjectCount: a.countObjects()}
	if a.capacity != nil {
		total, free, err := a.capacity()
		if err != nil {
			log.Debugf("Capacity of %s is unknown: %v", a.root, err)
			return health, nil
		}
		health.TotalSpace = total
		health.FreeSpace = free
		health.UsedSpace = total - free
	}
	return health, nil
}

// countObjects counts the object directories found at the fan-out depth.
func (a *LocalAgent) countObjects() int64 {
	var count int64
	level1, _ := afero.ReadDir(a.fs, a.root)
	for _, l1 := range level1 {
		if !l1.IsDir() {
			continue
		}
		level2, _ := afero.ReadDir(a.fs, filepath.Join(a.root, l1.Name()))
		for _, l2 := range level2 {
			if !l2.IsDir() {
				continue
			}
			objects, _ := afero.ReadDir(a.fs, filepath.Join(a.root, l1.Name(), l2.Name()))
			for _, o := range objects {
				if o.IsDir() {
					count++
				}
			}
		}
	}
	return count
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
