package filestore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/devrev/pairdb/crdt-storage/internal/util"
	"gopkg.in/yaml.v3"
)

func (s *Store[K, S]) manifestPath(id string) string {
	return filepath.Join(s.dumpDir, id+manifestExt)
}

// writeManifest persists a manifest as YAML followed by a checksum
func (s *Store[K, S]) writeManifest(m *model.ConsolidationManifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := s.manifestPath(m.ID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	if _, err := f.Write(util.AppendChecksum(data)); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return syncDir(s.dumpDir)
}

func readManifest(path string) (*model.ConsolidationManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, valid := util.ValidateAndStripChecksum(raw)
	if !valid {
		return nil, errors.CorruptedData(fmt.Sprintf("manifest %s failed checksum", filepath.Base(path)), nil)
	}

	var m model.ConsolidationManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("manifest %s is not valid YAML", filepath.Base(path)), err)
	}
	return &m, nil
}

type manifestFile struct {
	path     string
	manifest *model.ConsolidationManifest
	modTime  int64
}

// listManifests reads every manifest. Unreadable ones are returned with a
// nil manifest so the caller can age them out by modification time.
func (s *Store[K, S]) listManifests() ([]manifestFile, error) {
	entries, err := os.ReadDir(s.dumpDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.dumpDir, err)
	}

	var out []manifestFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != manifestExt {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.dumpDir, e.Name())
		m, err := readManifest(path)
		if err != nil && os.IsNotExist(err) {
			continue
		}
		out = append(out, manifestFile{path: path, manifest: m, modTime: fi.ModTime().UnixNano()})
	}
	return out, nil
}
