package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/segment"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Consolidate folds the segments older than the consolidation margin into a
// single segment and drops the tombstones nothing can be hidden by anymore.
//
// Only one pass runs per store; a concurrent call fails with
// ConsolidationConflict. Passes from other processes sharing the directory
// announce themselves through manifests, and a pass whose inputs disappeared
// before its commit fails with ConsolidationConflict without publishing.
func (s *Store[K, S]) Consolidate(ctx context.Context) (*model.ConsolidationResult, error) {
	if !s.consolidating.CompareAndSwap(false, true) {
		return nil, errors.ConsolidationConflict("consolidation already running")
	}
	defer s.consolidating.Store(false)

	start := s.now()
	result := &model.ConsolidationResult{ID: uuid.NewString(), Status: model.ConsolidationStatusNoop}
	barrier := start.Add(-s.cfg.ConsolidationMargin).UnixNano()

	plan, err := s.plan(barrier, result)
	if err != nil {
		result.Status = model.ConsolidationStatusFailed
		return result, err
	}
	if len(plan.inputs) < 2 && len(plan.droppable) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	manifest := &model.ConsolidationManifest{
		ID:         result.ID,
		Inputs:     names(plan.inputs),
		Tombstones: names(plan.tombstones),
		CreatedAt:  start.UnixNano(),
	}
	if len(plan.inputs) > 0 {
		manifest.Output = newName(segmentExt)
	}
	if err := s.writeManifest(manifest); err != nil {
		result.Status = model.ConsolidationStatusFailed
		return result, err
	}
	manifestPath := s.manifestPath(manifest.ID)

	var output *segment.Writer
	if manifest.Output != "" {
		output, err = s.reduceInto(ctx, filepath.Join(s.dir, manifest.Output+tmpExt), plan)
		if err != nil {
			_ = os.Remove(manifestPath)
			result.Status = model.ConsolidationStatusFailed
			return result, err
		}
	}

	if err := s.commit(plan, output, barrier, result); err != nil {
		if output != nil {
			output.Abort()
		}
		_ = os.Remove(manifestPath)
		if errors.HasCode(err, errors.ErrCodeConsolidationConflict) {
			result.Status = model.ConsolidationStatusConflict
		} else {
			result.Status = model.ConsolidationStatusFailed
		}
		return result, err
	}

	if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to delete consolidation manifest", zap.String("path", manifestPath), zap.Error(err))
	}

	result.Status = model.ConsolidationStatusCompleted
	result.Inputs = manifest.Inputs
	result.Duration = time.Since(start)
	s.logger.Info("Consolidation completed",
		zap.String("id", result.ID),
		zap.Int("inputs", len(result.Inputs)),
		zap.String("output", result.Output),
		zap.Uint64("records", result.RecordsWritten),
		zap.Int("tombstones_dropped", result.TombstonesDropped),
		zap.Duration("duration", result.Duration))
	return result, nil
}

type consolidationPlan struct {
	inputs     []model.SegmentInfo
	tombstones []model.SegmentInfo
	// droppable are tombstones old enough to drop if the commit-time check
	// still allows it
	droppable []model.SegmentInfo
	maxTs     int64
}

func (s *Store[K, S]) plan(barrier int64, result *model.ConsolidationResult) (*consolidationPlan, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	manifests, err := s.listManifests()
	if err != nil {
		return nil, err
	}

	blacklist := make(map[string]bool)
	for _, mf := range manifests {
		young := mf.modTime > barrier
		if mf.manifest != nil && mf.manifest.CreatedAt > barrier {
			young = true
		}
		if young {
			if mf.manifest != nil {
				for _, in := range mf.manifest.Inputs {
					blacklist[in] = true
				}
			}
			continue
		}

		// a stale manifest belongs to a pass that died
		if mf.manifest != nil && mf.manifest.Output != "" {
			_ = os.Remove(filepath.Join(s.dir, mf.manifest.Output+tmpExt))
		}
		if err := os.Remove(mf.path); err == nil {
			result.StaleManifests++
		}
	}

	segments, err := s.listSegments()
	if err != nil {
		return nil, err
	}
	tombstones, err := s.listTombstones()
	if err != nil {
		return nil, err
	}

	p := &consolidationPlan{tombstones: tombstones}
	for _, info := range segments {
		if blacklist[info.Name] || info.ModTime.UnixNano() > barrier {
			continue
		}
		p.inputs = append(p.inputs, info)
		if info.Timestamp > p.maxTs {
			p.maxTs = info.Timestamp
		}
	}
	sort.Slice(p.inputs, func(i, j int) bool { return p.inputs[i].Timestamp < p.inputs[j].Timestamp })

	inputSet := nameSet(p.inputs)
	for _, t := range tombstones {
		if t.ModTime.UnixNano() <= barrier && !shadowed(t, segments, inputSet) {
			p.droppable = append(p.droppable, t)
		}
	}
	return p, nil
}

// shadowed reports whether a record segment outside the inputs could still
// hold a key that tombstone t hides
func shadowed(t model.SegmentInfo, segments []model.SegmentInfo, inputs map[string]bool) bool {
	for _, seg := range segments {
		if !inputs[seg.Name] && seg.Timestamp <= t.Timestamp {
			return true
		}
	}
	return false
}

// reduceInto merges inputs and all tombstones into a staged segment. Keys
// hidden by a tombstone are left out. The filter is not applied.
func (s *Store[K, S]) reduceInto(ctx context.Context, path string, p *consolidationPlan) (*segment.Writer, error) {
	s.dirMu.RLock()
	sources, err := s.openSources(append(append([]model.SegmentInfo{}, p.inputs...), p.tombstones...))
	s.dirMu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConsolidationConflict(fmt.Sprintf("input vanished before merge: %v", err))
		}
		return nil, err
	}

	merged := crdt.Reduce(sources, timestampReducer[K, S](s.merge, nil))
	defer merged.Close()

	var w *segment.Writer
	write := func(ctx context.Context) error {
		var err error
		if w, err = segment.Create(path, segment.KindRecords, s.cfg.BloomFalsePositiveRate); err != nil {
			return err
		}
		for {
			if err := ctx.Err(); err != nil {
				w.Abort()
				return err
			}
			rec, err := merged.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				// a key that cannot be merged cannot be consolidated either
				w.Abort()
				return err
			}
			key, err := s.keys.Encode(rec.Key)
			if err != nil {
				w.Abort()
				return fmt.Errorf("failed to encode key: %w", err)
			}
			state, err := s.states.Encode(rec.State)
			if err != nil {
				w.Abort()
				return fmt.Errorf("failed to encode state: %w", err)
			}
			if err := w.Append(key, state); err != nil {
				w.Abort()
				return err
			}
		}
	}

	if s.pool != nil {
		err = s.pool.Run(ctx, "consolidate-"+filepath.Base(path), write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store[K, S]) commit(p *consolidationPlan, output *segment.Writer, barrier int64, result *model.ConsolidationResult) error {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	for _, in := range p.inputs {
		if _, err := os.Stat(in.Path); err != nil {
			if os.IsNotExist(err) {
				return errors.ConsolidationConflict(fmt.Sprintf("input %s was consolidated concurrently", in.Name))
			}
			return err
		}
	}

	// segments published since planning are newer than every listed
	// tombstone, so only the planned ones can shadow
	segments, err := s.listSegments()
	if err != nil {
		return err
	}
	inputSet := nameSet(p.inputs)
	var drop []model.SegmentInfo
	for _, t := range p.droppable {
		if !shadowed(t, segments, inputSet) {
			drop = append(drop, t)
		}
	}

	if output != nil {
		if output.Count() > 0 {
			if err := output.Finish(p.maxTs); err != nil {
				return err
			}
			final := strings.TrimSuffix(output.Path(), tmpExt)
			if err := os.Rename(output.Path(), final); err != nil {
				_ = os.Remove(output.Path())
				return errors.SegmentFailed("failed to publish consolidated segment", err)
			}
			result.Output = filepath.Base(final)
			result.RecordsWritten = output.Count()
		} else {
			output.Abort()
		}
	}

	for _, in := range p.inputs {
		if err := s.removeFile(in.Path); err != nil {
			s.logger.Error("Failed to delete consolidated input", zap.String("path", in.Path), zap.Error(err))
		}
	}
	for _, t := range drop {
		if err := s.removeFile(t.Path); err != nil {
			s.logger.Error("Failed to delete tombstone segment", zap.String("path", t.Path), zap.Error(err))
			continue
		}
		result.TombstonesDropped++
	}

	if err := syncDir(s.dir); err != nil {
		return err
	}
	return syncDir(s.tombDir)
}

func names(infos []model.SegmentInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

func nameSet(infos []model.SegmentInfo) map[string]bool {
	set := make(map[string]bool, len(infos))
	for _, info := range infos {
		set[info.Name] = true
	}
	return set
}
