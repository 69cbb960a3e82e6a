package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/codec"
	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/diskmanager"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/segment"
	"github.com/devrev/pairdb/crdt-storage/internal/util/workerpool"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

const (
	segmentExt   = ".bin"
	tombstoneExt = ".tomb"
	manifestExt  = ".dump"
	tmpExt       = ".tmp"
)

// Config holds file store configuration
type Config struct {
	Dir                    string
	TombstonesDir          string
	ConsolidationDir       string
	SegmentMaxRecords      int
	// ConsolidationMargin of zero makes every segment eligible at once
	ConsolidationMargin    time.Duration
	BloomFalsePositiveRate float64
	MetadataCacheSize      int
}

func (c *Config) setDefaults() {
	if c.TombstonesDir == "" {
		c.TombstonesDir = ".tombstones"
	}
	if c.ConsolidationDir == "" {
		c.ConsolidationDir = ".consolidation"
	}
	if c.SegmentMaxRecords <= 0 {
		c.SegmentMaxRecords = 10000
	}
	if c.ConsolidationMargin < 0 {
		c.ConsolidationMargin = 30 * time.Minute
	}
	if c.BloomFalsePositiveRate <= 0 {
		c.BloomFalsePositiveRate = segment.DefaultFalsePositiveRate
	}
	if c.MetadataCacheSize <= 0 {
		c.MetadataCacheSize = 1024
	}
}

// Options carries the collaborators of a store
type Options[K constraints.Ordered, S any] struct {
	Keys         codec.Codec[K]
	States       codec.Codec[S]
	Merge        crdt.MergeFunc[S]
	Filter       crdt.Filter[S]
	KeyValidator crdt.KeyValidator[K]
	// Pool runs segment flushes; nil runs them inline
	Pool *workerpool.WorkerPool
	// Disk rejects flushes when the disk is full; nil disables the check
	Disk   *diskmanager.DiskManager
	Logger *zap.Logger
	Now    func() time.Time
}

// Store keeps records in immutable segment files. Uploads and removes each
// publish new segments; Consolidate folds old segments together.
type Store[K constraints.Ordered, S any] struct {
	cfg      Config
	dir      string
	tombDir  string
	dumpDir  string
	keys     codec.Codec[K]
	states   codec.Codec[S]
	merge    crdt.MergeFunc[S]
	filter   crdt.Filter[S]
	validate crdt.KeyValidator[K]
	pool     *workerpool.WorkerPool
	disk     *diskmanager.DiskManager
	logger   *zap.Logger
	now      func() time.Time

	// dirMu guards the set of published files. Publishing and deleting take
	// it exclusively; opening files for a read takes it shared.
	dirMu  sync.RWMutex
	lastTs int64

	meta          *lru.Cache
	consolidating atomic.Bool
}

var _ crdt.Storage[string, []byte] = (*Store[string, []byte])(nil)

type cachedSegment struct {
	meta  segment.Metadata
	bloom *segment.BloomFilter
}

func New[K constraints.Ordered, S any](cfg Config, opts Options[K, S]) (*Store[K, S], error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("file store directory is required")
	}
	if opts.Keys == nil || opts.States == nil || opts.Merge == nil {
		return nil, fmt.Errorf("file store needs key and state codecs and a merge function")
	}
	cfg.setDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cache, err := lru.New(cfg.MetadataCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}

	s := &Store[K, S]{
		cfg:      cfg,
		dir:      cfg.Dir,
		tombDir:  filepath.Join(cfg.Dir, cfg.TombstonesDir),
		dumpDir:  filepath.Join(cfg.Dir, cfg.ConsolidationDir),
		keys:     opts.Keys,
		states:   opts.States,
		merge:    opts.Merge,
		filter:   opts.Filter,
		validate: opts.KeyValidator,
		pool:     opts.Pool,
		disk:     opts.Disk,
		logger:   logger,
		now:      now,
		meta:     cache,
	}

	for _, dir := range []string{s.dir, s.tombDir, s.dumpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := s.recover(); err != nil {
		return nil, err
	}

	logger.Info("File store opened",
		zap.String("dir", s.dir),
		zap.Int64("last_timestamp", s.lastTs))
	return s, nil
}

// recover drops partial files left by a crash and restores the timestamp
// high-water mark
func (s *Store[K, S]) recover() error {
	for _, dir := range []string{s.dir, s.tombDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), tmpExt) {
				_ = os.Remove(filepath.Join(dir, e.Name()))
			}
		}
	}

	segments, err := s.listSegments()
	if err != nil {
		return err
	}
	tombstones, err := s.listTombstones()
	if err != nil {
		return err
	}
	for _, info := range append(segments, tombstones...) {
		if info.Timestamp > s.lastTs {
			s.lastTs = info.Timestamp
		}
	}
	return nil
}

// nextTimestamp is strictly increasing per store. Caller holds dirMu.
func (s *Store[K, S]) nextTimestamp() int64 {
	ts := s.now().UnixNano()
	if ts <= s.lastTs {
		ts = s.lastTs + 1
	}
	s.lastTs = ts
	return ts
}

func (s *Store[K, S]) listSegments() ([]model.SegmentInfo, error) {
	return s.listDir(s.dir, segmentExt, false)
}

func (s *Store[K, S]) listTombstones() ([]model.SegmentInfo, error) {
	return s.listDir(s.tombDir, tombstoneExt, true)
}

func (s *Store[K, S]) listDir(dir, ext string, tombstone bool) ([]model.SegmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var out []model.SegmentInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		path := filepath.Join(dir, e.Name())
		fi, err := e.Info()
		if err != nil {
			// deleted by a concurrent consolidation
			continue
		}
		cached, err := s.metadata(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, model.SegmentInfo{
			Name:      e.Name(),
			Path:      path,
			Tombstone: tombstone,
			Timestamp: cached.meta.Timestamp,
			Records:   cached.meta.Count,
			Size:      cached.meta.Size,
			ModTime:   fi.ModTime(),
		})
	}
	return out, nil
}

// metadata returns the cached header and trailer of a published segment.
// File names are never reused, so entries never go stale.
func (s *Store[K, S]) metadata(path string) (*cachedSegment, error) {
	if v, ok := s.meta.Get(path); ok {
		return v.(*cachedSegment), nil
	}
	meta, err := segment.ReadMetadata(path)
	if err != nil {
		return nil, err
	}
	cached := &cachedSegment{meta: meta}
	s.meta.Add(path, cached)
	return cached, nil
}

// bloom loads and caches the bloom filter of a segment
func (s *Store[K, S]) bloom(r *segment.Reader) (*segment.BloomFilter, error) {
	cached, err := s.metadata(r.Path())
	if err != nil {
		return nil, err
	}
	if cached.bloom != nil {
		return cached.bloom, nil
	}
	bloom, err := r.ReadBloom()
	if err != nil {
		return nil, err
	}
	s.meta.Add(r.Path(), &cachedSegment{meta: cached.meta, bloom: bloom})
	return bloom, nil
}

// publish stamps the staged writers and renames them into place, in order
func (s *Store[K, S]) publish(staged []*segment.Writer) error {
	if len(staged) == 0 {
		return nil
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	for i, w := range staged {
		if err := w.Finish(s.nextTimestamp()); err != nil {
			for _, rest := range staged[i+1:] {
				rest.Abort()
			}
			return err
		}
		final := strings.TrimSuffix(w.Path(), tmpExt)
		if err := os.Rename(w.Path(), final); err != nil {
			_ = os.Remove(w.Path())
			for _, rest := range staged[i+1:] {
				rest.Abort()
			}
			return errors.SegmentFailed("failed to publish segment", err)
		}
	}
	return syncDir(filepath.Dir(staged[0].Path()))
}

func (s *Store[K, S]) removeFile(path string) error {
	s.meta.Remove(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}
	return nil
}

func newName(ext string) string {
	return uuid.NewString() + ext
}

// Segments lists the published record segments
func (s *Store[K, S]) Segments() ([]model.SegmentInfo, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	return s.listSegments()
}

// Tombstones lists the published tombstone segments
func (s *Store[K, S]) Tombstones() ([]model.SegmentInfo, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	return s.listTombstones()
}

func (s *Store[K, S]) Dir() string {
	return s.dir
}

func (s *Store[K, S]) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fi, err := os.Stat(s.dir)
	if err != nil {
		return errors.Unavailable("file store directory unreachable", err)
	}
	if !fi.IsDir() {
		return errors.Unavailable(fmt.Sprintf("%s is not a directory", s.dir), nil)
	}
	return nil
}
