package database

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/virelle/corpus/internal/infrastructure/blobstore"
)

// Op classifies a recorded entity change.
type Op string

const (
	OpNew     Op = "new"
	OpChanged Op = "changed"
	OpDeleted Op = "deleted"
)

// Change is one entity mutation observed during a session, queued for
// index dispatch at the outermost commit.
type Change struct {
	Op         Op
	ObjectType string
	ObjectID   uint
}

// CommitHook runs after the outermost commit succeeded, with the session's
// accumulated changes. Used to dispatch index updates.
type CommitHook func(ctx context.Context, changes []Change)

// Session wraps a gorm connection with the transaction semantics the
// content core needs: a savepoint stack mirrored by staged blob
// transactions, a change queue filled by the write callbacks, and commit
// hooks fired once the outermost transaction has really committed.
//
// A Session is not safe for concurrent use; each request or actor
// invocation owns its own.
type Session struct {
	db    *gorm.DB
	blobs *blobstore.SessionStore

	tx     *gorm.DB
	blobTx *blobstore.Tx
	depth  int
	spseq  int
	// savepoint name and change-queue watermark per nesting level
	savepoints []savepoint
	changes    []Change
	hooks      []CommitHook
}

type savepoint struct {
	name string
	mark int
}

func NewSession(db *gorm.DB, blobs *blobstore.SessionStore, hooks ...CommitHook) *Session {
	return &Session{db: db, blobs: blobs, hooks: hooks}
}

type sessionCtxKey struct{}

// SessionFrom recovers the session that issued a statement, set by DB().
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionCtxKey{}).(*Session)
	return s
}

// DB returns the handle queries must go through: the active transaction, or
// the root connection outside one. The context carries the session so the
// write callbacks can record changes.
func (s *Session) DB(ctx context.Context) *gorm.DB {
	handle := s.db
	if s.tx != nil {
		handle = s.tx
	}
	return handle.WithContext(context.WithValue(ctx, sessionCtxKey{}, s))
}

// InTransaction reports whether a transaction is open.
func (s *Session) InTransaction() bool {
	return s.depth > 0
}

// Begin opens the root transaction, or pushes a savepoint when one is
// already open. Blob staging mirrors the stack.
func (s *Session) Begin() error {
	if s.depth == 0 {
		tx := s.db.Begin()
		if tx.Error != nil {
			return errors.Wrap(tx.Error, "begin transaction")
		}
		s.tx = tx
	} else {
		s.spseq++
		name := fmt.Sprintf("sp_%d", s.spseq)
		if err := s.tx.SavePoint(name).Error; err != nil {
			return errors.Wrap(err, "create savepoint")
		}
		s.savepoints = append(s.savepoints, savepoint{name: name, mark: len(s.changes)})
	}
	s.blobTx = s.blobs.Begin(s.blobTx)
	s.depth++
	return nil
}

// Commit ends the innermost transaction level. A nested commit merges
// staged blobs into the parent level; the outermost commit writes the
// database, applies staged blob operations, and fires the commit hooks.
func (s *Session) Commit(ctx context.Context) error {
	if s.depth == 0 {
		return errors.New("commit outside transaction")
	}

	if s.depth > 1 {
		parent := s.blobTx.Parent()
		if err := s.blobs.Commit(s.blobTx); err != nil {
			return err
		}
		s.blobTx = parent
		s.savepoints = s.savepoints[:len(s.savepoints)-1]
		s.depth--
		return nil
	}

	if err := s.tx.Commit().Error; err != nil {
		s.blobs.Rollback(s.blobTx)
		s.reset()
		return errors.Wrap(err, "commit transaction")
	}

	// The database state is durable; staged blob failures past this point
	// leave the store inconsistent and must surface.
	blobErr := s.blobs.Commit(s.blobTx)

	changes := s.changes
	s.reset()

	if blobErr != nil {
		return errors.Wrap(blobErr, "apply blob transaction")
	}

	if len(changes) > 0 {
		for _, hook := range s.hooks {
			hook(ctx, changes)
		}
	}
	return nil
}

// Rollback discards the innermost transaction level, its staged blobs and
// the changes recorded inside it.
func (s *Session) Rollback() error {
	if s.depth == 0 {
		return nil
	}

	if s.depth > 1 {
		sp := s.savepoints[len(s.savepoints)-1]
		s.savepoints = s.savepoints[:len(s.savepoints)-1]
		parent := s.blobTx.Parent()
		s.blobs.Rollback(s.blobTx)
		s.blobTx = parent
		s.changes = s.changes[:sp.mark]
		s.depth--
		if err := s.tx.RollbackTo(sp.name).Error; err != nil {
			return errors.Wrap(err, "rollback to savepoint")
		}
		return nil
	}

	err := s.tx.Rollback().Error
	s.blobs.Rollback(s.blobTx)
	s.reset()
	if err != nil {
		return errors.Wrap(err, "rollback transaction")
	}
	return nil
}

func (s *Session) reset() {
	s.tx = nil
	s.blobTx = nil
	s.depth = 0
	s.savepoints = nil
	s.changes = nil
}

// Record queues an entity change for index dispatch. Called by the write
// callbacks; may be called directly for derived mutations.
func (s *Session) Record(op Op, objectType string, id uint) {
	if id == 0 {
		return
	}
	s.changes = append(s.changes, Change{Op: op, ObjectType: objectType, ObjectID: id})
}

// GetBlob resolves a blob value path through the staged transaction stack,
// falling back to the durable store. "" means absent (or staged delete).
func (s *Session) GetBlob(id uuid.UUID) string {
	if s.blobTx != nil {
		return s.blobs.Get(s.blobTx, id)
	}
	return s.blobs.Store().Get(id)
}

// SetBlob stages a blob write in the current transaction.
func (s *Session) SetBlob(id uuid.UUID, content io.Reader) error {
	if s.blobTx == nil {
		return errors.New("blob write outside transaction")
	}
	return s.blobs.Set(s.blobTx, id, content)
}

// DeleteBlob stages a blob delete in the current transaction.
func (s *Session) DeleteBlob(id uuid.UUID) error {
	if s.blobTx == nil {
		return errors.New("blob delete outside transaction")
	}
	return s.blobs.Delete(s.blobTx, id)
}
