package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotReady means the source has nothing to hand out yet; the tick is skipped.
var ErrNotReady = errors.New("frame source not ready")

type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
}

// DirSource cycles through the images of a directory in name order. The
// directory is re-listed on every call so files can be dropped in while running.
type DirSource struct {
	dir string

	mu   sync.Mutex
	next int
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

func (d *DirSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, ErrNotReady
	}
	sort.Strings(files)

	d.mu.Lock()
	name := files[d.next%len(files)]
	d.next++
	d.mu.Unlock()

	f, err := os.Open(filepath.Join(d.dir, name))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return img, nil
}

// StaticSource always returns the same image. A nil image is never ready.
type StaticSource struct {
	Image image.Image
}

func (s StaticSource) Next(context.Context) (image.Image, error) {
	if s.Image == nil {
		return nil, ErrNotReady
	}
	return s.Image, nil
}
