package database

import (
	"gorm.io/gorm"

	"github.com/virelle/corpus/internal/infrastructure/database/models"
)

// RegisterCallbacks hooks the write pipeline so every create, update and
// delete of an indexed entity lands in the issuing session's change queue.
// Deleted blob rows additionally stage the removal of their content file.
func RegisterCallbacks(db *gorm.DB) error {
	if err := db.Callback().Create().After("gorm:create").Register("corpus:record_create", recordCreate); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").Register("corpus:record_update", recordUpdate); err != nil {
		return err
	}
	return db.Callback().Delete().After("gorm:delete").Register("corpus:record_delete", recordDelete)
}

func recordCreate(tx *gorm.DB) { record(tx, OpNew) }
func recordUpdate(tx *gorm.DB) { record(tx, OpChanged) }

func recordDelete(tx *gorm.DB) {
	if tx.Error != nil || tx.Statement.Model == nil {
		return
	}
	session := SessionFrom(tx.Statement.Context)
	if session == nil {
		return
	}
	switch m := tx.Statement.Model.(type) {
	case *models.Blob:
		// The row is gone once the transaction commits; the file follows
		// through the staged blob transaction.
		if err := session.DeleteBlob(m.UUID); err != nil {
			_ = tx.AddError(err)
		}
	case models.Indexed:
		session.Record(OpDeleted, m.ObjectType(), m.ObjectID())
	}
}

func record(tx *gorm.DB, op Op) {
	if tx.Error != nil || tx.Statement.Model == nil {
		return
	}
	session := SessionFrom(tx.Statement.Context)
	if session == nil {
		return
	}
	if m, ok := tx.Statement.Model.(models.Indexed); ok {
		session.Record(op, m.ObjectType(), m.ObjectID())
	}
}
