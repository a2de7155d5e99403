// Package indexing maintains the full-text index over indexable entities
// and answers search queries filtered by the caller's read visibility.
// Updates arrive through the task broker after database commits, so the
// index lags a commit by at most one actor invocation.
package indexing

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/virelle/corpus/internal/domain"
	"github.com/virelle/corpus/internal/infrastructure/database/models"
)

// Oracle is the slice of the security service the indexer needs: the
// visibility tokens for a document and the roles a searcher holds.
type Oracle interface {
	IndexableTokens(ctx context.Context, db *gorm.DB, objectKey string, creatorID, ownerID uint) ([]string, error)
	RolesOf(ctx context.Context, db *gorm.DB, p domain.Principal, objectKey *string) ([]domain.Role, error)
}

var tracer = otel.Tracer("indexing")

// ActorIndexUpdate is the broker actor name for index dispatches.
const ActorIndexUpdate = "index_update"

// Item is one entry of an index dispatch.
type Item struct {
	Op         string `json:"op"`
	ObjectType string `json:"objectType"`
	ID         uint   `json:"id"`
}

const (
	OpNew     = "new"
	OpChanged = "changed"
	OpDeleted = "deleted"
)

// UpdateMessage is the payload of an index_update broker message.
type UpdateMessage struct {
	Items []Item `json:"items"`
}

// ValueProvider decorates an entity's index document with extra fields.
type ValueProvider func(ctx context.Context, db *gorm.DB, entity models.Indexed, doc map[string]any) error

// SearchFilter contributes a conjunctive filter to every query, or nil to
// abstain.
type SearchFilter func(ctx context.Context, p domain.Principal) query.Query

// Service owns the bleve index.
type Service struct {
	index    bleve.Index
	adapters map[string]Adapter
	oracle   Oracle

	providers []ValueProvider
	filters   []SearchFilter

	facetLimit int
}

// NewService opens (or creates) the index at dir; an empty dir means an
// in-memory index.
func NewService(dir string, adapters []Adapter, oracle Oracle) (*Service, error) {
	m, err := buildMapping(adapters)
	if err != nil {
		return nil, err
	}

	var index bleve.Index
	if dir == "" {
		index, err = bleve.NewMemOnly(m)
	} else {
		index, err = bleve.Open(dir)
		if stderrors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			index, err = bleve.New(dir, m)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "open index")
	}

	byType := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byType[a.ObjectType] = a
	}

	s := &Service{
		index:      index,
		adapters:   byType,
		oracle:     oracle,
		facetLimit: 5,
	}
	s.RegisterValueProvider(communityValueProvider)
	return s, nil
}

func (s *Service) Close() error {
	return s.index.Close()
}

// ObjectTypes lists the registered indexable types.
func (s *Service) ObjectTypes() []string {
	types := make([]string, 0, len(s.adapters))
	for t := range s.adapters {
		types = append(types, t)
	}
	return types
}

// RegisterValueProvider adds a document decorator hook. Not safe to call
// once updates are flowing.
func (s *Service) RegisterValueProvider(p ValueProvider) {
	s.providers = append(s.providers, p)
}

// RegisterSearchFilter adds a conjunctive query hook.
func (s *Service) RegisterSearchFilter(f SearchFilter) {
	s.filters = append(s.filters, f)
}

// BuildDocument flattens an entity into its index document: the adapter's
// projected fields, the mandatory identity fields, the access tokens from
// the security oracle, and whatever the value providers add.
func (s *Service) BuildDocument(ctx context.Context, db *gorm.DB, entity models.Indexed) (map[string]any, error) {
	adapter, ok := s.adapters[entity.ObjectType()]
	if !ok {
		return nil, errors.Errorf("no adapter for object type %q", entity.ObjectType())
	}

	doc := map[string]any{}
	for _, field := range adapter.Fields {
		var parts []string
		for _, get := range field.Sources {
			if v := get(entity); v != "" {
				parts = append(parts, v)
			}
		}
		if len(parts) > 0 {
			doc[field.Name] = strings.Join(parts, " ")
		}
	}

	objectKey := models.ObjectKey(entity.ObjectType(), entity.ObjectID())
	doc[FieldObjectType] = entity.ObjectType()
	doc[FieldObjectKey] = objectKey
	doc[FieldID] = entity.ObjectID()

	creatorID, ownerID := ownership(entity)
	tokens, err := s.oracle.IndexableTokens(ctx, db, objectKey, creatorID, ownerID)
	if err != nil {
		return nil, err
	}
	doc[FieldAllowed] = strings.Join(tokens, " ")

	for _, provide := range s.providers {
		if err := provide(ctx, db, entity, doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func ownership(entity models.Indexed) (creatorID, ownerID uint) {
	switch e := entity.(type) {
	case *models.Document:
		return e.CreatorID, e.OwnerID
	case *models.Community:
		return e.CreatorID, e.OwnerID
	}
	return 0, 0
}

// communityValueProvider marks community-scoped content so search filters
// and facets can use membership.
func communityValueProvider(ctx context.Context, db *gorm.DB, entity models.Indexed, doc map[string]any) error {
	document, ok := entity.(*models.Document)
	if !ok || document.CommunityID == nil {
		return nil
	}
	doc["is_community_content"] = true
	doc["community_id"] = *document.CommunityID
	if document.Community != nil {
		doc["community_slug"] = document.Community.Slug
	}
	return nil
}

// Update applies one dispatch batch. Every key is deleted first and then
// re-added for live entities, so duplicate items and stale ops converge on
// the committed state. Entities deleted between enqueue and dispatch are
// skipped. Errors abandon the whole batch for the broker to retry.
func (s *Service) Update(ctx context.Context, db *gorm.DB, items []Item) error {
	ctx, span := tracer.Start(ctx, "Indexing.Update")
	defer span.End()

	// Dedupe on object key; the last op wins.
	deduped := make(map[string]Item, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		key := models.ObjectKey(item.ObjectType, item.ID)
		if _, seen := deduped[key]; !seen {
			order = append(order, key)
		}
		deduped[key] = item
	}

	batch := s.index.NewBatch()
	for _, key := range order {
		item := deduped[key]
		batch.Delete(key)
		if item.Op == OpDeleted {
			continue
		}

		adapter, ok := s.adapters[item.ObjectType]
		if !ok {
			slog.Warn("skipping unindexable object type", slog.String("objectType", item.ObjectType))
			continue
		}
		entity, err := adapter.Load(ctx, db, item.ID)
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return errors.Wrapf(err, "load %s", key)
		}

		doc, err := s.BuildDocument(ctx, db, entity)
		if err != nil {
			span.RecordError(err)
			return errors.Wrapf(err, "build document %s", key)
		}
		if err := batch.Index(key, doc); err != nil {
			return errors.Wrapf(err, "index %s", key)
		}
	}

	if err := s.index.Batch(batch); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "commit index batch")
	}
	return nil
}

// ReindexAll rebuilds the index from the database, one batch per type.
func (s *Service) ReindexAll(ctx context.Context, db *gorm.DB) error {
	ctx, span := tracer.Start(ctx, "Indexing.ReindexAll")
	defer span.End()

	for objectType, adapter := range s.adapters {
		ids, err := adapter.IDs(ctx, db)
		if err != nil {
			return errors.Wrapf(err, "list %s ids", objectType)
		}
		items := make([]Item, 0, len(ids))
		for _, id := range ids {
			items = append(items, Item{Op: OpChanged, ObjectType: objectType, ID: id})
		}
		if err := s.Update(ctx, db, items); err != nil {
			return err
		}
	}
	return nil
}

// Options tunes one search call.
type Options struct {
	Query       string
	ObjectTypes []string
	Prefix      bool
	FacetByType bool
	Limit       int
	Offset      int
}

// Hit is one search result.
type Hit struct {
	ObjectKey  string  `json:"objectKey"`
	ObjectType string  `json:"objectType"`
	ID         uint    `json:"id"`
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
}

// Results is a search response, grouped by type when faceting was asked
// for.
type Results struct {
	Total  uint64           `json:"total"`
	Hits   []Hit            `json:"hits,omitempty"`
	ByType map[string][]Hit `json:"byType,omitempty"`
}

// Search runs a role-filtered query. Unless the caller is a manager, only
// documents carrying one of the caller's visibility tokens are returned.
func (s *Service) Search(ctx context.Context, db *gorm.DB, p domain.Principal, opts Options) (*Results, error) {
	ctx, span := tracer.Start(ctx, "Indexing.Search")
	defer span.End()

	conjuncts := []query.Query{s.textQuery(opts)}

	if !p.Manager {
		roleFilter, err := s.roleFilter(ctx, db, p)
		if err != nil {
			return nil, err
		}
		conjuncts = append(conjuncts, roleFilter)
	}

	conjuncts = append(conjuncts, s.typeFilter(opts.ObjectTypes))

	for _, filter := range s.filters {
		if q := filter(ctx, p); q != nil {
			conjuncts = append(conjuncts, q)
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	size := limit
	if opts.FacetByType {
		// Grouping needs headroom so small types are not crowded out.
		size = limit * len(s.adapters) * 4
	}

	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(conjuncts...), size, opts.Offset, false)
	req.Fields = []string{FieldObjectType, FieldID, FieldName}

	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "search")
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, match := range res.Hits {
		hit := Hit{ObjectKey: match.ID, Score: match.Score}
		if v, ok := match.Fields[FieldObjectType].(string); ok {
			hit.ObjectType = v
		}
		if v, ok := match.Fields[FieldID].(float64); ok {
			hit.ID = uint(v)
		}
		if v, ok := match.Fields[FieldName].(string); ok {
			hit.Name = v
		}
		hits = append(hits, hit)
	}

	results := &Results{Total: res.Total}
	if !opts.FacetByType {
		results.Hits = hits
		return results, nil
	}

	results.ByType = map[string][]Hit{}
	for _, hit := range hits {
		group := results.ByType[hit.ObjectType]
		if len(group) >= s.facetLimit {
			continue
		}
		results.ByType[hit.ObjectType] = append(group, hit)
	}
	return results, nil
}

// textQuery builds the boosted multi-field disjunction. An empty or "*"
// query matches everything.
func (s *Service) textQuery(opts Options) query.Query {
	q := strings.TrimSpace(opts.Query)
	if q == "" || q == "*" {
		return bleve.NewMatchAllQuery()
	}

	weighted := []struct {
		field string
		boost float64
	}{
		{FieldName, 1.5},
		{FieldNamePrefix, 1.3},
		{"description", 1.3},
		{"text", 1.0},
	}

	disjuncts := make([]query.Query, 0, len(weighted))
	for _, w := range weighted {
		if w.field == FieldNamePrefix && !opts.Prefix {
			continue
		}
		mq := bleve.NewMatchQuery(q)
		mq.SetField(w.field)
		mq.SetBoost(w.boost)
		disjuncts = append(disjuncts, mq)
	}
	return bleve.NewDisjunctionQuery(disjuncts...)
}

// roleFilter restricts results to documents carrying one of the caller's
// tokens: their own principal token, the pseudo roles, and every role they
// hold globally.
func (s *Service) roleFilter(ctx context.Context, db *gorm.DB, p domain.Principal) (query.Query, error) {
	tokens := []string{domain.Anonymous.Token()}
	if !p.IsAnonymous() {
		tokens = append(tokens, p.Token(), domain.Authenticated.Token())
		roles, err := s.oracle.RolesOf(ctx, db, p, nil)
		if err != nil {
			return nil, err
		}
		for _, role := range roles {
			if role.Kind == domain.RoleKindNamed || role.Kind == domain.RoleKindSystem {
				tokens = append(tokens, role.Token())
			}
		}
	}

	disjuncts := make([]query.Query, 0, len(tokens))
	for _, token := range tokens {
		tq := bleve.NewTermQuery(strings.ToLower(token))
		tq.SetField(FieldAllowed)
		disjuncts = append(disjuncts, tq)
	}
	return bleve.NewDisjunctionQuery(disjuncts...), nil
}

// typeFilter restricts to the requested types intersected with the
// registered ones.
func (s *Service) typeFilter(requested []string) query.Query {
	allowed := make([]string, 0, len(s.adapters))
	if len(requested) == 0 {
		allowed = s.ObjectTypes()
	} else {
		for _, t := range requested {
			if _, ok := s.adapters[t]; ok {
				allowed = append(allowed, t)
			}
		}
	}

	disjuncts := make([]query.Query, 0, len(allowed))
	for _, t := range allowed {
		tq := bleve.NewTermQuery(t)
		tq.SetField(FieldObjectType)
		disjuncts = append(disjuncts, tq)
	}
	return bleve.NewDisjunctionQuery(disjuncts...)
}

// MembershipFilter builds a search filter hiding community content from
// non-members. Registered by deployments that want membership to gate
// search beyond roles.
func MembershipFilter(db *gorm.DB) SearchFilter {
	return func(ctx context.Context, p domain.Principal) query.Query {
		if p.Manager {
			return nil
		}

		// Content outside any community is always visible at this layer.
		plain := bleve.NewBooleanQuery()
		mustNot := bleve.NewBoolFieldQuery(true)
		mustNot.SetField("is_community_content")
		plain.AddMustNot(mustNot)

		disjuncts := []query.Query{plain}

		if !p.IsAnonymous() {
			var communityIDs []uint
			err := db.WithContext(ctx).
				Model(&models.Membership{}).
				Where("user_id = ?", p.UserID).
				Pluck("community_id", &communityIDs).Error
			if err != nil {
				slog.Error("membership lookup failed", slog.String("error", err.Error()))
				return plain
			}
			for _, id := range communityIDs {
				min := float64(id)
				max := float64(id)
				inclusive := true
				nq := bleve.NewNumericRangeInclusiveQuery(&min, &max, &inclusive, &inclusive)
				nq.SetField("community_id")
				disjuncts = append(disjuncts, nq)
			}
		}
		return bleve.NewDisjunctionQuery(disjuncts...)
	}
}
