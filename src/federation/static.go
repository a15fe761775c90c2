package federation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc struct {
	ID string
	Fn func(ctx context.Context, q Query) ([]Record, error)
}

func (p ProviderFunc) Name() string { return p.ID }

func (p ProviderFunc) Fetch(ctx context.Context, q Query) ([]Record, error) {
	return p.Fn(ctx, q)
}

// FileProvider serves datasets from <dir>/<dataset>.json snapshots. It is
// used for offline runs against exported open-data dumps.
type FileProvider struct {
	name string
	dir  string
}

// NewFileProvider returns a provider reading snapshots from dir.
func NewFileProvider(name, dir string) *FileProvider {
	return &FileProvider{name: name, dir: dir}
}

func (p *FileProvider) Name() string { return p.name }

// Supports reports whether a snapshot exists for dataset.
func (p *FileProvider) Supports(dataset string) bool {
	_, err := os.Stat(p.path(dataset))
	return err == nil
}

// Fetch decodes the snapshot and keeps records whose fields match every
// query parameter. Parameters absent from a record do not filter it out.
func (p *FileProvider) Fetch(ctx context.Context, q Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := os.ReadFile(p.path(q.Dataset))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s has no snapshot for %q", ErrUnsupportedDataset, p.name, q.Dataset)
		}
		return nil, fmt.Errorf("%s: read snapshot: %w", p.name, err)
	}
	records, err := decodeRecords(body)
	if err != nil {
		return nil, fmt.Errorf("%s: decode snapshot: %w", p.name, err)
	}

	out := records[:0]
	for _, rec := range records {
		if matches(rec, q.Params) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (p *FileProvider) path(dataset string) string {
	return filepath.Join(p.dir, filepath.Base(dataset)+".json")
}

func matches(rec Record, params map[string]string) bool {
	for k, want := range params {
		v, ok := rec[k]
		if !ok {
			continue
		}
		if fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}
