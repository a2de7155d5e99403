package indexing

import (
	"context"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/virelle/corpus/internal/domain"
	"github.com/virelle/corpus/internal/infrastructure/database/models"
)

// stubOracle serves canned visibility tokens per object key and canned
// global roles per user.
type stubOracle struct {
	tokens map[string][]string
	roles  map[uint][]domain.Role
}

func (o *stubOracle) IndexableTokens(ctx context.Context, db *gorm.DB, objectKey string, creatorID, ownerID uint) ([]string, error) {
	return o.tokens[objectKey], nil
}

func (o *stubOracle) RolesOf(ctx context.Context, db *gorm.DB, p domain.Principal, objectKey *string) ([]domain.Role, error) {
	return o.roles[p.UserID], nil
}

func testAdapter(docs map[uint]*models.Document) Adapter {
	return Adapter{
		ObjectType: models.TypeDocument,
		Fields: []FieldSpec{
			{Name: FieldName, Sources: []Getter{
				func(e models.Indexed) string { return e.(*models.Document).Name },
			}},
			{Name: FieldNamePrefix, Analyzer: analyzerPrefix, Sources: []Getter{
				func(e models.Indexed) string { return e.(*models.Document).Name },
			}},
			{Name: "description", Sources: []Getter{
				func(e models.Indexed) string {
					if v, ok := e.(*models.Document).Meta["description"].(string); ok {
						return v
					}
					return ""
				},
			}},
		},
		Load: func(ctx context.Context, db *gorm.DB, id uint) (models.Indexed, error) {
			doc, ok := docs[id]
			if !ok {
				return nil, gorm.ErrRecordNotFound
			}
			return doc, nil
		},
		IDs: func(ctx context.Context, db *gorm.DB) ([]uint, error) {
			ids := make([]uint, 0, len(docs))
			for id := range docs {
				ids = append(ids, id)
			}
			return ids, nil
		},
	}
}

func testDocument(id uint, name, description string) *models.Document {
	return &models.Document{Entity: models.Entity{
		ID:        id,
		Name:      name,
		CreatorID: 1,
		OwnerID:   1,
		Meta:      datatypes.JSONMap{"description": description},
	}}
}

func newTestService(t *testing.T, docs map[uint]*models.Document, oracle *stubOracle) *Service {
	t.Helper()
	s, err := NewService("", []Adapter{testAdapter(docs)}, oracle)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	items := make([]Item, 0, len(docs))
	for id := range docs {
		items = append(items, Item{Op: OpNew, ObjectType: models.TypeDocument, ID: id})
	}
	if err := s.Update(context.Background(), nil, items); err != nil {
		t.Fatal(err)
	}
	return s
}

func hitIDs(res *Results) map[uint]bool {
	ids := map[uint]bool{}
	for _, hit := range res.Hits {
		ids[hit.ID] = true
	}
	return ids
}

func TestSearchFiltersByVisibilityTokens(t *testing.T) {
	oracle := &stubOracle{
		tokens: map[string][]string{
			"document:1": {domain.Anonymous.Token()},
			"document:2": {"user:7"},
			"document:3": {"role:community:9:member"},
		},
		roles: map[uint][]domain.Role{
			7: {domain.CommunityMemberRole(9)},
		},
	}
	docs := map[uint]*models.Document{
		1: testDocument(1, "public report", ""),
		2: testDocument(2, "private report", ""),
		3: testDocument(3, "community report", ""),
	}
	s := newTestService(t, docs, oracle)
	ctx := context.Background()

	// Anonymous callers only see content published to everyone.
	res, err := s.Search(ctx, nil, domain.AnonymousPrincipal, Options{Query: "report"})
	if err != nil {
		t.Fatal(err)
	}
	if got := hitIDs(res); len(got) != 1 || !got[1] {
		t.Errorf("anonymous should see only document 1, got %v", got)
	}

	// User 7 carries their own token and the community member role.
	res, err = s.Search(ctx, nil, domain.Principal{UserID: 7}, Options{Query: "report"})
	if err != nil {
		t.Fatal(err)
	}
	if got := hitIDs(res); len(got) != 3 {
		t.Errorf("user 7 should see all three documents, got %v", got)
	}

	// Another authenticated user sees only the public document.
	res, err = s.Search(ctx, nil, domain.Principal{UserID: 8}, Options{Query: "report"})
	if err != nil {
		t.Fatal(err)
	}
	if got := hitIDs(res); len(got) != 1 || !got[1] {
		t.Errorf("user 8 should see only document 1, got %v", got)
	}
}

func TestSearchManagerBypassesRoleFilter(t *testing.T) {
	oracle := &stubOracle{tokens: map[string][]string{
		"document:1": {"user:42"},
	}}
	docs := map[uint]*models.Document{1: testDocument(1, "restricted", "")}
	s := newTestService(t, docs, oracle)

	res, err := s.Search(context.Background(), nil, domain.Principal{UserID: 2, Manager: true}, Options{Query: "restricted"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 {
		t.Errorf("manager should see the restricted document, total = %d", res.Total)
	}
}

func TestSearchPrefixMatchesPartialNames(t *testing.T) {
	oracle := &stubOracle{tokens: map[string][]string{
		"document:1": {domain.Anonymous.Token()},
	}}
	docs := map[uint]*models.Document{1: testDocument(1, "quarterly", "")}
	s := newTestService(t, docs, oracle)
	ctx := context.Background()

	res, err := s.Search(ctx, nil, domain.AnonymousPrincipal, Options{Query: "quart", Prefix: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 {
		t.Errorf("prefix search should match, total = %d", res.Total)
	}

	res, err = s.Search(ctx, nil, domain.AnonymousPrincipal, Options{Query: "quart", Prefix: false})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 0 {
		t.Errorf("non-prefix search should not match a partial word, total = %d", res.Total)
	}
}

func TestSearchMatchesDescription(t *testing.T) {
	oracle := &stubOracle{tokens: map[string][]string{
		"document:1": {domain.Anonymous.Token()},
	}}
	docs := map[uint]*models.Document{1: testDocument(1, "untitled", "budget forecast for berlin")}
	s := newTestService(t, docs, oracle)

	res, err := s.Search(context.Background(), nil, domain.AnonymousPrincipal, Options{Query: "forecast"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 {
		t.Errorf("description terms should match, total = %d", res.Total)
	}
}

func TestSearchFoldsDiacritics(t *testing.T) {
	oracle := &stubOracle{tokens: map[string][]string{
		"document:1": {domain.Anonymous.Token()},
	}}
	docs := map[uint]*models.Document{1: testDocument(1, "résumé", "")}
	s := newTestService(t, docs, oracle)

	res, err := s.Search(context.Background(), nil, domain.AnonymousPrincipal, Options{Query: "resume"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 {
		t.Errorf("folded query should match accented name, total = %d", res.Total)
	}
}

func TestUpdateDedupesAndDeletes(t *testing.T) {
	oracle := &stubOracle{tokens: map[string][]string{
		"document:1": {domain.Anonymous.Token()},
		"document:2": {domain.Anonymous.Token()},
	}}
	docs := map[uint]*models.Document{
		1: testDocument(1, "alpha", ""),
		2: testDocument(2, "beta", ""),
	}
	s := newTestService(t, docs, oracle)
	ctx := context.Background()

	// A batch carrying a change and then a delete for the same key must
	// end with the key gone.
	err := s.Update(ctx, nil, []Item{
		{Op: OpChanged, ObjectType: models.TypeDocument, ID: 2},
		{Op: OpDeleted, ObjectType: models.TypeDocument, ID: 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.Search(ctx, nil, domain.AnonymousPrincipal, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := hitIDs(res); len(got) != 1 || !got[1] {
		t.Errorf("document 2 should be gone, got %v", got)
	}
}

func TestUpdateSkipsVanishedEntities(t *testing.T) {
	oracle := &stubOracle{tokens: map[string][]string{}}
	s := newTestService(t, map[uint]*models.Document{}, oracle)

	err := s.Update(context.Background(), nil, []Item{
		{Op: OpChanged, ObjectType: models.TypeDocument, ID: 99},
		{Op: OpChanged, ObjectType: "unknown", ID: 1},
	})
	if err != nil {
		t.Fatalf("vanished and unindexable entities must not fail the batch: %v", err)
	}
}

func TestSearchFacetsGroupByType(t *testing.T) {
	oracle := &stubOracle{tokens: map[string][]string{
		"document:1": {domain.Anonymous.Token()},
		"document:2": {domain.Anonymous.Token()},
	}}
	docs := map[uint]*models.Document{
		1: testDocument(1, "minutes january", ""),
		2: testDocument(2, "minutes february", ""),
	}
	s := newTestService(t, docs, oracle)

	res, err := s.Search(context.Background(), nil, domain.AnonymousPrincipal, Options{Query: "minutes", FacetByType: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 0 {
		t.Errorf("faceted results should only carry groups, got %d flat hits", len(res.Hits))
	}
	if len(res.ByType[models.TypeDocument]) != 2 {
		t.Errorf("expected 2 grouped hits, got %d", len(res.ByType[models.TypeDocument]))
	}
}
