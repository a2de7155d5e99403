package usecase

import (
	"context"

	"github.com/virelle/corpus/internal/domain"
	"github.com/virelle/corpus/internal/infrastructure/database"
	"github.com/virelle/corpus/internal/service/indexing"
)

type SearchUsecase struct {
	sessions func() *database.Session
	index    *indexing.Service
}

func NewSearchUsecase(sessions func() *database.Session, index *indexing.Service) *SearchUsecase {
	return &SearchUsecase{sessions: sessions, index: index}
}

// Search runs a query as the given principal.
func (uc *SearchUsecase) Search(ctx context.Context, p domain.Principal, opts indexing.Options) (*indexing.Results, error) {
	session := uc.sessions()
	return uc.index.Search(ctx, session.DB(ctx), p, opts)
}

// Reindex rebuilds the whole index from the database.
func (uc *SearchUsecase) Reindex(ctx context.Context, p domain.Principal) error {
	if !p.Manager {
		return ErrForbidden
	}
	session := uc.sessions()
	return uc.index.ReindexAll(ctx, session.DB(ctx))
}
