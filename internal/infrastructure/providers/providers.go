package providers

import (
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/virelle/corpus/internal/config"
	"github.com/virelle/corpus/internal/infrastructure/blobstore"
	"github.com/virelle/corpus/internal/infrastructure/broker"
	"github.com/virelle/corpus/internal/infrastructure/database"
)

// NewDatabase opens a Postgres connection using the configured DSN.
func NewDatabase(conf config.Server) (*gorm.DB, error) {
	return database.NewPostgres(conf.PostgresDsn)
}

// MigrateDatabase applies migrations for the application models.
func MigrateDatabase(db *gorm.DB) error {
	return database.MigratePostgres(db)
}

// NewMemcache creates a memcache client, or nil when unconfigured.
func NewMemcache(addr string) *memcache.Client {
	if addr == "" {
		return nil
	}
	return memcache.New(addr)
}

// NewRedis creates the redis client shared by the broker and pub/sub.
func NewRedis(conf config.Server) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: conf.RedisAddr,
		DB:   conf.RedisDB,
	})
}

// NewBlobStores builds the durable store and its transactional wrapper.
func NewBlobStores(conf config.Storage) (*blobstore.Store, *blobstore.SessionStore, error) {
	store, err := blobstore.NewStore(conf.FilesDir())
	if err != nil {
		return nil, nil, err
	}
	sessions, err := blobstore.NewSessionStore(store, conf.TransactionsDir())
	if err != nil {
		return nil, nil, err
	}
	return store, sessions, nil
}

// NewBroker builds the task broker, honoring the synchronous test mode.
func NewBroker(rdb *redis.Client) *broker.Broker {
	return broker.New(rdb, config.DirectCall())
}
