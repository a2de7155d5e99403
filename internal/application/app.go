// Package application assembles the content core: storage, broker, the
// services, and the usecases. Both the API server and the worker build the
// same App and pick the parts they run.
package application

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/virelle/corpus/internal/config"
	"github.com/virelle/corpus/internal/domain"
	"github.com/virelle/corpus/internal/infrastructure/blobstore"
	"github.com/virelle/corpus/internal/infrastructure/broker"
	"github.com/virelle/corpus/internal/infrastructure/database"
	"github.com/virelle/corpus/internal/infrastructure/providers"
	"github.com/virelle/corpus/internal/service/antivirus"
	"github.com/virelle/corpus/internal/service/conversion"
	"github.com/virelle/corpus/internal/service/indexing"
	"github.com/virelle/corpus/internal/service/pipeline"
	"github.com/virelle/corpus/internal/service/security"
	"github.com/virelle/corpus/internal/service/signal"
	"github.com/virelle/corpus/internal/usecase"
)

type App struct {
	Config config.Config

	DB       *gorm.DB
	Redis    *redis.Client
	Memcache *memcache.Client

	Store        *blobstore.Store
	BlobSessions *blobstore.SessionStore

	Broker   *broker.Broker
	Oracle   *security.Oracle
	Engine   *conversion.Engine
	Scanner  *antivirus.Scanner
	Index    *indexing.Service
	Signals  *signal.Service
	Pipeline *pipeline.Pipeline

	Document  *usecase.DocumentUsecase
	Community *usecase.CommunityUsecase
	Search    *usecase.SearchUsecase
}

func New(cfg config.Config) (*App, error) {
	db, err := providers.NewDatabase(cfg.Server)
	if err != nil {
		return nil, err
	}
	if err := providers.MigrateDatabase(db); err != nil {
		return nil, err
	}
	if err := database.RegisterCallbacks(db); err != nil {
		return nil, err
	}

	store, blobSessions, err := providers.NewBlobStores(cfg.Storage)
	if err != nil {
		return nil, err
	}

	rdb := providers.NewRedis(cfg.Server)
	mc := providers.NewMemcache(cfg.Server.MemcachedAddr)
	b := providers.NewBroker(rdb)

	oracle := security.NewOracle()
	engine, err := conversion.NewEngine(cfg.Conversion)
	if err != nil {
		return nil, err
	}
	scanner := antivirus.NewScanner(cfg.Antivirus)
	signals := signal.NewService(rdb)

	index, err := indexing.NewService(cfg.Indexing.Dir, indexing.DefaultAdapters(store), oracle)
	if err != nil {
		return nil, err
	}
	index.RegisterSearchFilter(indexing.MembershipFilter(db))

	app := &App{
		Config:       cfg,
		DB:           db,
		Redis:        rdb,
		Memcache:     mc,
		Store:        store,
		BlobSessions: blobSessions,
		Broker:       b,
		Oracle:       oracle,
		Engine:       engine,
		Scanner:      scanner,
		Index:        index,
		Signals:      signals,
	}

	app.Pipeline = pipeline.New(
		app.NewSession, engine, scanner, b, signals, mc,
		cfg.Documents.PreviewSize,
	)
	app.registerActors()

	app.Document = usecase.NewDocumentUsecase(
		app.NewSession, oracle, engine, app.Pipeline,
		cfg.Antivirus.Required, cfg.Documents.PreviewSize, cfg.Documents.LockLifetime,
	)
	app.Community = usecase.NewCommunityUsecase(app.NewSession, oracle)
	app.Search = usecase.NewSearchUsecase(app.NewSession, index)

	return app, nil
}

// NewSession builds a transactional session whose commits dispatch index
// updates through the broker.
func (a *App) NewSession() *database.Session {
	return database.NewSession(a.DB, a.BlobSessions, a.dispatchIndexUpdates)
}

func (a *App) dispatchIndexUpdates(ctx context.Context, changes []database.Change) {
	items := make([]indexing.Item, 0, len(changes))
	for _, change := range changes {
		items = append(items, indexing.Item{
			Op:         string(change.Op),
			ObjectType: change.ObjectType,
			ID:         change.ObjectID,
		})
	}
	// The commit already succeeded when this runs; a dispatch failure
	// leaves the index stale until the next reindex, so keep a trace.
	if err := a.Broker.Send(ctx, indexing.ActorIndexUpdate, indexing.UpdateMessage{Items: items}); err != nil {
		slog.Error("failed to dispatch index update", slog.String("error", err.Error()))
	}
}

func (a *App) registerActors() {
	a.Pipeline.Register(a.Broker)
	a.Broker.Register(indexing.ActorIndexUpdate, broker.DefaultPolicy,
		func(ctx context.Context, payload json.RawMessage) error {
			var msg indexing.UpdateMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return err
			}
			if err := a.Index.Update(ctx, a.DB, msg.Items); err != nil {
				return err
			}
			if err := a.Signals.Publish(ctx, domain.Event{
				Kind:   domain.EventIndexUpdated,
				Detail: map[string]any{"items": len(msg.Items)},
			}); err != nil {
				slog.Error("publish index event failed", slog.String("error", err.Error()))
			}
			return nil
		})
}

func (a *App) Close() error {
	if err := a.Index.Close(); err != nil {
		return err
	}
	return a.Redis.Close()
}
