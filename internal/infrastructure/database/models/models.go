package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Indexed is implemented by models that participate in full-text indexing.
type Indexed interface {
	ObjectType() string
	ObjectID() uint
}

// Blob is a reference to a binary value stored on disk, keyed by UUID. The
// row only carries identity and metadata; the value lives in the blob store.
type Blob struct {
	ID   uint              `gorm:"primaryKey"`
	UUID uuid.UUID         `gorm:"type:uuid;uniqueIndex;not null"`
	Meta datatypes.JSONMap `gorm:"not null"`
}

// NewBlob allocates a blob row with a fresh UUID.
func NewBlob() *Blob {
	return &Blob{UUID: uuid.New(), Meta: datatypes.JSONMap{}}
}

// Entity carries the attributes shared by every application object that owns
// blobs, gets indexed or is subject to permissions. Embedded in concrete
// models.
type Entity struct {
	ID        uint              `gorm:"primaryKey"`
	Name      string            `gorm:"type:text"`
	Slug      string            `gorm:"type:text;index"`
	CreatorID uint              `gorm:"index"`
	OwnerID   uint              `gorm:"index"`
	Meta      datatypes.JSONMap `gorm:"not null"`
	Tags      pq.StringArray    `gorm:"type:text[]"`
	CreatedAt time.Time         `gorm:"->;<-:create"`
	UpdatedAt time.Time
}

func (e *Entity) ObjectID() uint {
	return e.ID
}

// User is the minimal principal record the core needs: identity and display
// name for lock ownership and role tokens.
type User struct {
	ID    uint   `gorm:"primaryKey"`
	Name  string `gorm:"type:text"`
	Email string `gorm:"type:text;uniqueIndex"`
}

// Community groups users and scopes content visibility.
type Community struct {
	Entity      `gorm:"embedded"`
	Description string `gorm:"type:text"`
	ImageID     *uint
	Image       *Blob        `gorm:"foreignKey:ImageID;constraint:OnDelete:SET NULL"`
	Memberships []Membership `gorm:"constraint:OnDelete:CASCADE"`
}

const TypeCommunity = "community"

func (Community) ObjectType() string {
	return TypeCommunity
}

// Membership links a user to a community with a role (member or manager).
type Membership struct {
	ID          uint `gorm:"primaryKey"`
	CommunityID uint `gorm:"uniqueIndex:idx_membership"`
	UserID      uint `gorm:"uniqueIndex:idx_membership"`
	User        User
	Role        string    `gorm:"type:text;not null"`
	CDate       time.Time `gorm:"->;<-:create"`
}

// Document is an entity owning a content blob plus blobs derived from it by
// the processing pipeline.
type Document struct {
	Entity      `gorm:"embedded"`
	CommunityID *uint
	Community   *Community

	// The FK sits on documents.*_id referencing blobs, so a cascade here
	// would delete the document when its blob row goes. SET NULL keeps
	// blob-row deletes from touching the document.
	ContentID *uint
	Content   *Blob `gorm:"foreignKey:ContentID;constraint:OnDelete:SET NULL"`
	PDFID     *uint
	PDF       *Blob `gorm:"foreignKey:PDFID;constraint:OnDelete:SET NULL"`
	TextID    *uint
	Text      *Blob `gorm:"foreignKey:TextID;constraint:OnDelete:SET NULL"`

	// ContentDigest is the md5 hex of the current content, used as the
	// conversion cache key.
	ContentDigest string `gorm:"type:text"`
	ContentLength int64  `gorm:"not null;default:0"`
	ContentType   string `gorm:"type:text;default:'application/octet-stream'"`
	Language      string `gorm:"type:text"`
	PageNum       int    `gorm:"default:1"`
	ExtraMeta     datatypes.JSONMap
}

const TypeDocument = "document"

func (Document) ObjectType() string {
	return TypeDocument
}

// ObjectKey builds the index-wide unique key for an object.
func ObjectKey(objectType string, id uint) string {
	return fmt.Sprintf("%s:%d", objectType, id)
}

// RoleAssignment grants a role to a user, either globally (ObjectKey null)
// or on one object.
type RoleAssignment struct {
	ID        uint    `gorm:"primaryKey"`
	UserID    uint    `gorm:"uniqueIndex:idx_role_assignment"`
	Role      string  `gorm:"type:text;not null;uniqueIndex:idx_role_assignment"`
	ObjectKey *string `gorm:"type:text;uniqueIndex:idx_role_assignment"`
}

// PermissionAssignment grants a permission to a role, either globally
// (ObjectKey null) or on one object.
type PermissionAssignment struct {
	ID         uint    `gorm:"primaryKey"`
	Role       string  `gorm:"type:text;not null;uniqueIndex:idx_permission_assignment"`
	Permission string  `gorm:"type:text;not null;uniqueIndex:idx_permission_assignment"`
	ObjectKey  *string `gorm:"type:text;uniqueIndex:idx_permission_assignment"`
}
