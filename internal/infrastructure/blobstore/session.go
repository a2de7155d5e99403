package blobstore

import (
	stderrors "errors"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/virelle/corpus/internal/domain"
)

// Tx stages blob writes and deletes for one level of a database
// transaction. Transactions form a stack mirroring the session's savepoint
// stack: committing a nested Tx merges its sets into the parent, committing
// the root applies them to the underlying Store.
//
// Invariant: a UUID is never in both pending and deleted; adding to one
// removes it from the other.
type Tx struct {
	path    string
	parent  *Tx
	pending map[uuid.UUID]struct{}
	deleted map[uuid.UUID]struct{}
	cleared bool
}

// SessionStore drives blob transactions against a base Store. tmpRoot holds
// one staging directory per live Tx.
type SessionStore struct {
	store   *Store
	tmpRoot string
}

func NewSessionStore(store *Store, tmpRoot string) (*SessionStore, error) {
	if err := os.MkdirAll(tmpRoot, 0o775); err != nil {
		return nil, errors.Wrap(err, "create blob transactions dir")
	}
	return &SessionStore{store: store, tmpRoot: tmpRoot}, nil
}

// Store exposes the underlying durable store.
func (ss *SessionStore) Store() *Store {
	return ss.store
}

// Begin pushes a new transaction level. parent is nil for the root.
func (ss *SessionStore) Begin(parent *Tx) *Tx {
	return &Tx{
		path:    filepath.Join(ss.tmpRoot, uuid.New().String()),
		parent:  parent,
		pending: make(map[uuid.UUID]struct{}),
		deleted: make(map[uuid.UUID]struct{}),
	}
}

// Get resolves id against the transaction stack, innermost first. A staged
// write wins over the durable store; a staged delete hides it entirely.
// Returns the path of the current value, or "" when absent.
func (ss *SessionStore) Get(tx *Tx, id uuid.UUID) string {
	for t := tx; t != nil; t = t.parent {
		if _, ok := t.deleted[id]; ok {
			return ""
		}
		if _, ok := t.pending[id]; ok {
			return filepath.Join(t.path, id.String())
		}
	}
	return ss.store.Get(id)
}

// Set stages content for id in the innermost transaction.
func (ss *SessionStore) Set(tx *Tx, id uuid.UUID, content io.Reader) error {
	if tx == nil || tx.cleared {
		return errors.New("blob transaction is not active")
	}
	if err := os.MkdirAll(tx.path, 0o700); err != nil {
		return errors.Wrap(err, "create blob staging dir")
	}

	dest := filepath.Join(tx.path, id.String())
	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "stage blob file")
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return errors.Wrap(err, "write staged blob")
	}
	if err := f.Close(); err != nil {
		return err
	}

	delete(tx.deleted, id)
	tx.pending[id] = struct{}{}
	return nil
}

// Delete stages removal of id in the innermost transaction. Deleting a value
// unknown to both the stack and the store is a no-op, matching Get semantics.
func (ss *SessionStore) Delete(tx *Tx, id uuid.UUID) error {
	if tx == nil || tx.cleared {
		return errors.New("blob transaction is not active")
	}
	if ss.Get(tx, id) == "" {
		return nil
	}
	if _, ok := tx.pending[id]; ok {
		os.Remove(filepath.Join(tx.path, id.String()))
	}
	delete(tx.pending, id)
	tx.deleted[id] = struct{}{}
	return nil
}

// Commit merges tx into its parent, or applies it to the durable store when
// tx is the root. The Tx is unusable afterwards.
func (ss *SessionStore) Commit(tx *Tx) error {
	if tx == nil || tx.cleared {
		return nil
	}
	var err error
	if tx.parent != nil {
		err = ss.commitParent(tx)
	} else {
		err = ss.commitStore(tx)
	}
	ss.clear(tx)
	return err
}

func (ss *SessionStore) commitStore(tx *Tx) error {
	// Deletes first so a UUID that was deleted then re-set in separate
	// levels ends up present.
	for id := range tx.deleted {
		if err := ss.store.Delete(id); err != nil && !isNotFound(err) {
			return err
		}
	}
	for id := range tx.pending {
		staged, err := os.Open(filepath.Join(tx.path, id.String()))
		if err != nil {
			return errors.Wrap(err, "open staged blob")
		}
		err = ss.store.Put(id, staged)
		staged.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (ss *SessionStore) commitParent(tx *Tx) error {
	p := tx.parent

	for id := range tx.deleted {
		delete(p.pending, id)
		p.deleted[id] = struct{}{}
		os.Remove(filepath.Join(p.path, id.String()))
	}

	if len(tx.pending) > 0 {
		if err := os.MkdirAll(p.path, 0o700); err != nil {
			return errors.Wrap(err, "create parent staging dir")
		}
	}
	for id := range tx.pending {
		delete(p.deleted, id)
		p.pending[id] = struct{}{}
		src := filepath.Join(tx.path, id.String())
		dst := filepath.Join(p.path, id.String())
		if err := os.Rename(src, dst); err != nil {
			return errors.Wrap(err, "promote staged blob")
		}
	}
	return nil
}

// Rollback discards tx and its staged files. The Tx is unusable afterwards.
func (ss *SessionStore) Rollback(tx *Tx) {
	ss.clear(tx)
}

func (ss *SessionStore) clear(tx *Tx) {
	if tx == nil || tx.cleared {
		return
	}
	os.RemoveAll(tx.path)
	tx.pending = nil
	tx.deleted = nil
	tx.cleared = true
}

// Parent returns the enclosing transaction, nil at the root.
func (tx *Tx) Parent() *Tx {
	return tx.parent
}

func isNotFound(err error) bool {
	return stderrors.Is(err, domain.ErrNotFound)
}
