package conversion

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Cache stores conversion results on disk, keyed by the kind of derived
// artifact ("pdf", "txt", "img:<page>:<size>") and the md5 digest of the
// source content. Entries never expire; a digest change means new content.
type Cache struct {
	dir string
}

func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, errors.Wrap(err, "create cache dir")
	}
	return &Cache{dir: dir}, nil
}

// The kind is used verbatim as the subdirectory name, so "img:0:640"
// entries live under an img:0:640/ directory.
func (c *Cache) path(kind, digest string) string {
	return filepath.Join(c.dir, kind, digest+".blob")
}

func (c *Cache) Has(kind, digest string) bool {
	_, err := os.Stat(c.path(kind, digest))
	return err == nil
}

// Get returns the cached artifact, or nil when absent.
func (c *Cache) Get(kind, digest string) []byte {
	content, err := os.ReadFile(c.path(kind, digest))
	if err != nil {
		return nil
	}
	return content
}

func (c *Cache) Set(kind, digest string, content []byte) error {
	path := c.path(kind, digest)
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return errors.Wrap(err, "create cache subdir")
	}
	return errors.Wrap(os.WriteFile(path, content, 0o664), "write cache entry")
}
