package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ObjectStore is the handoff target for sealed segments. Implementations
// must be safe for concurrent use.
type ObjectStore interface {
	// Put stores the object under key, replacing any existing object.
	Put(key string, r io.Reader, size int64) error
	// Get opens the object for reading.
	Get(key string) (io.ReadCloser, error)
	// List returns the keys under a prefix.
	List(prefix string) ([]string, error)
}

func segmentObjectKey(meta SegmentMeta) string {
	return fmt.Sprintf("segments/%d/%s", meta.RegionID, meta.Path)
}

func uploadSegment(store ObjectStore, dir string, meta SegmentMeta) error {
	f, err := os.Open(filepath.Join(dir, meta.Path))
	if err != nil {
		return err
	}
	defer f.Close()
	return store.Put(segmentObjectKey(meta), f, int64(meta.Size))
}

// DirStore is an ObjectStore backed by a local directory tree. It stands in
// for a bucket in tests and single-node deployments.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) Put(key string, r io.Reader, size int64) error {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if size >= 0 && n != size {
		_ = os.Remove(tmp)
		return fmt.Errorf("object %s: wrote %d bytes, want %d", key, n, size)
	}
	return os.Rename(tmp, path)
}

func (s *DirStore) Get(key string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
}

func (s *DirStore) List(prefix string) ([]string, error) {
	var keys []string
	base := filepath.Join(s.root, filepath.FromSlash(prefix))
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	return keys, err
}
