package indexing

import (
	"context"
	"os"
	"strings"

	"gorm.io/gorm"

	"github.com/virelle/corpus/internal/infrastructure/blobstore"
	"github.com/virelle/corpus/internal/infrastructure/database/models"
)

// Getter extracts one source value from an entity. Empty results are
// skipped when field values are concatenated.
type Getter func(entity models.Indexed) string

// FieldSpec projects one index field from one or more entity attributes.
type FieldSpec struct {
	Name     string
	Analyzer string
	Sources  []Getter
}

// Adapter describes how one object type maps into the index: its fields
// and how to load a fresh entity by id.
type Adapter struct {
	ObjectType string
	Fields     []FieldSpec
	Load       func(ctx context.Context, db *gorm.DB, id uint) (models.Indexed, error)
	// IDs lists every live entity id, for full reindexing.
	IDs func(ctx context.Context, db *gorm.DB) ([]uint, error)
}

// DefaultAdapters wires the indexable types. The document text getter
// reads the extracted-text blob straight from the store; text extraction
// happened in the pipeline well before the index update runs.
func DefaultAdapters(store *blobstore.Store) []Adapter {
	return []Adapter{
		documentAdapter(store),
		communityAdapter(),
	}
}

func documentAdapter(store *blobstore.Store) Adapter {
	name := func(e models.Indexed) string { return e.(*models.Document).Name }
	return Adapter{
		ObjectType: models.TypeDocument,
		Fields: []FieldSpec{
			{Name: FieldName, Sources: []Getter{name}},
			{Name: FieldNamePrefix, Analyzer: analyzerPrefix, Sources: []Getter{name}},
			{Name: "description", Sources: []Getter{
				func(e models.Indexed) string {
					doc := e.(*models.Document)
					if v, ok := doc.Meta["description"].(string); ok {
						return v
					}
					return ""
				},
			}},
			{Name: "text", Sources: []Getter{
				func(e models.Indexed) string {
					doc := e.(*models.Document)
					if doc.Text == nil {
						return ""
					}
					path := store.Get(doc.Text.UUID)
					if path == "" {
						return ""
					}
					content, err := os.ReadFile(path)
					if err != nil {
						return ""
					}
					return string(content)
				},
			}},
			{Name: "tags", Sources: []Getter{
				func(e models.Indexed) string {
					return strings.Join(e.(*models.Document).Tags, " ")
				},
			}},
		},
		Load: func(ctx context.Context, db *gorm.DB, id uint) (models.Indexed, error) {
			var doc models.Document
			err := db.WithContext(ctx).
				Preload("Text").
				Preload("Community").
				First(&doc, id).Error
			if err != nil {
				return nil, err
			}
			return &doc, nil
		},
		IDs: pluckIDs(&models.Document{}),
	}
}

func communityAdapter() Adapter {
	name := func(e models.Indexed) string { return e.(*models.Community).Name }
	return Adapter{
		ObjectType: models.TypeCommunity,
		Fields: []FieldSpec{
			{Name: FieldName, Sources: []Getter{name}},
			{Name: FieldNamePrefix, Analyzer: analyzerPrefix, Sources: []Getter{name}},
			{Name: "description", Sources: []Getter{
				func(e models.Indexed) string { return e.(*models.Community).Description },
			}},
		},
		Load: func(ctx context.Context, db *gorm.DB, id uint) (models.Indexed, error) {
			var community models.Community
			if err := db.WithContext(ctx).First(&community, id).Error; err != nil {
				return nil, err
			}
			return &community, nil
		},
		IDs: pluckIDs(&models.Community{}),
	}
}

func pluckIDs(model any) func(ctx context.Context, db *gorm.DB) ([]uint, error) {
	return func(ctx context.Context, db *gorm.DB) ([]uint, error) {
		var ids []uint
		err := db.WithContext(ctx).Model(model).Pluck("id", &ids).Error
		return ids, err
	}
}
