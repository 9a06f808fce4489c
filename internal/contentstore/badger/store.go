// Package badgerstore keeps tenant chunk collections in badger, one
// database per tenant so tenants never share files.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

var validTenant = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Config controls where tenant collections live.
type Config struct {
	BaseDir  string `mapstructure:"base_dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// Store implements crawler.ContentStore.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu  sync.Mutex
	dbs map[string]*badger.DB
}

var _ crawler.ContentStore = (*Store)(nil)

// New validates cfg and returns a Store. Tenant databases open lazily.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.BaseDir == "" {
		return nil, fmt.Errorf("content_store.base_dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg,
		logger: logger.Named("contentstore"),
		dbs:    make(map[string]*badger.DB),
	}, nil
}

// CollectionName is the logical collection holding a tenant's chunks.
func CollectionName(tenantID string) string {
	return "content_" + tenantID
}

// AddChunks writes chunks into the tenant's collection. Chunks of each
// source replace whatever that source stored before; the delete and the
// writes commit in one transaction.
func (s *Store) AddChunks(ctx context.Context, tenantID string, chunks []crawler.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := s.open(tenantID)
	if err != nil {
		return err
	}
	sources := make(map[string]struct{})
	for _, c := range chunks {
		if c.Metadata.SourceID == "" {
			return fmt.Errorf("chunk %d has no source id: %w", c.Metadata.Index, crawler.ErrInvalidArgument)
		}
		sources[c.Metadata.SourceID] = struct{}{}
	}

	err = db.Update(func(txn *badger.Txn) error {
		for sourceID := range sources {
			if err := deletePrefix(txn, sourcePrefix(tenantID, sourceID)); err != nil {
				return err
			}
		}
		for _, c := range chunks {
			value, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("marshal chunk: %w", err)
			}
			if err := txn.Set(chunkKey(tenantID, c.Metadata.SourceID, c.Metadata.Index), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isTransient(err) {
			return fmt.Errorf("write %s: %w: %w", CollectionName(tenantID), crawler.ErrTransient, err)
		}
		return fmt.Errorf("write %s: %w", CollectionName(tenantID), err)
	}
	s.logger.Debug("chunks written",
		zap.String("tenant_id", tenantID),
		zap.Int("chunks", len(chunks)),
		zap.Int("sources", len(sources)),
	)
	return nil
}

// Chunks returns a source's chunks ordered by index.
func (s *Store) Chunks(_ context.Context, tenantID, sourceID string) ([]crawler.Chunk, error) {
	db, err := s.open(tenantID)
	if err != nil {
		return nil, err
	}
	var out []crawler.Chunk
	err = db.View(func(txn *badger.Txn) error {
		prefix := sourcePrefix(tenantID, sourceID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var c crawler.Chunk
				if err := json.Unmarshal(val, &c); err != nil {
					return fmt.Errorf("decode chunk: %w", err)
				}
				out = append(out, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", CollectionName(tenantID), err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.Index < out[j].Metadata.Index })
	return out, nil
}

// Close closes every open tenant database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for tenant, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", tenant, err))
		}
		delete(s.dbs, tenant)
	}
	return errors.Join(errs...)
}

func (s *Store) open(tenantID string) (*badger.DB, error) {
	if !validTenant.MatchString(tenantID) {
		return nil, fmt.Errorf("tenant id %q: %w", tenantID, crawler.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[tenantID]; ok {
		return db, nil
	}
	var opts badger.Options
	if s.cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dir := filepath.Join(s.cfg.BaseDir, CollectionName(tenantID))
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create collection dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &zapLogger{s: s.logger.With(zap.String("tenant_id", tenantID)).Sugar()}
	opts.Compression = options.None
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", CollectionName(tenantID), err)
	}
	s.dbs[tenantID] = db
	return db, nil
}

func isTransient(err error) bool {
	return errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrBlockedWrites)
}

func sourcePrefix(tenantID, sourceID string) []byte {
	return []byte(CollectionName(tenantID) + "/" + sourceID + "/")
}

func chunkKey(tenantID, sourceID string, index int) []byte {
	return fmt.Appendf(nil, "%s/%s/%06d", CollectionName(tenantID), sourceID, index)
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
