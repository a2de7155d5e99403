// Package blobstore implements the on-disk storage for binary values
// referenced from database rows. The base Store is content-addressed by
// UUID; SessionStore layers transactional semantics on top so that blob
// writes and deletes follow the enclosing database transaction.
package blobstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/virelle/corpus/internal/domain"
)

// Store is a flat filesystem store for opaque byte strings keyed by UUID.
// Files live at <root>/<uuid[0:2]>/<uuid[2:4]>/<uuid> so directory fan-out
// stays bounded. It performs no locking: writes to the same UUID are
// last-writer-wins.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o775); err != nil {
		return nil, errors.Wrap(err, "create blob store root")
	}
	return &Store{root: root}, nil
}

// ParseUUID validates an external identifier, mapping failures to
// ValidationError.
func ParseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, domain.ValidationError{Reason: "invalid uuid: " + s}
	}
	return id, nil
}

func (s *Store) relPath(id uuid.UUID) string {
	name := id.String()
	return filepath.Join(name[0:2], name[2:4], name)
}

// Path returns the absolute location for id regardless of existence.
func (s *Store) Path(id uuid.UUID) string {
	return filepath.Join(s.root, s.relPath(id))
}

// Get returns the path of the stored value, or "" if absent.
func (s *Store) Get(id uuid.UUID) string {
	path := s.Path(id)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Contains reports whether a value exists for id.
func (s *Store) Contains(id uuid.UUID) bool {
	return s.Get(id) != ""
}

// Put stores content under id, overwriting any previous value. Parent
// directories are created lazily.
func (s *Store) Put(id uuid.UUID, content io.Reader) error {
	dest := s.Path(id)
	if err := os.MkdirAll(filepath.Dir(dest), 0o775); err != nil {
		return errors.Wrap(err, "create blob shard dir")
	}

	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "create blob file")
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return errors.Wrap(err, "write blob file")
	}
	return f.Close()
}

// PutBytes is a convenience wrapper over Put.
func (s *Store) PutBytes(id uuid.UUID, content []byte) error {
	return s.Put(id, bytes.NewReader(content))
}

// Delete removes the stored value. Missing values yield NotFoundError.
func (s *Store) Delete(id uuid.UUID) error {
	path := s.Path(id)
	if _, err := os.Stat(path); err != nil {
		return domain.NotFoundError{Resource: "blob " + id.String()}
	}
	return os.Remove(path)
}
