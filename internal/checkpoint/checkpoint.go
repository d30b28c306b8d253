// Package checkpoint snapshots the workspace so the editor can restore it
// after an agent run goes wrong.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/agentlink/agentlink/internal/logx"
)

// ErrNotFound indicates the checkpoint id does not exist in the store.
var ErrNotFound = errors.New("checkpoint not found")

const (
	manifestVersion = 2
	manifestName    = "manifest.json"
)

// FileEntry describes one file captured in a checkpoint.
type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Mode uint32 `json:"mode"`
}

// Manifest describes a checkpoint. Version identifies the manifest schema;
// older layouts are migrated once when first loaded.
type Manifest struct {
	Version   int         `json:"version"`
	ID        string      `json:"id"`
	Label     string      `json:"label"`
	CreatedAt time.Time   `json:"created_at"`
	Files     []FileEntry `json:"files"`
}

// legacyManifest is the original unversioned layout. It is read exactly once
// per checkpoint and rewritten in the current schema.
type legacyManifest struct {
	CheckpointID string   `json:"checkpoint_id"`
	Name         string   `json:"name"`
	Created      string   `json:"created"`
	Files        []string `json:"files"`
}

// DefaultIgnore lists glob patterns excluded from snapshots.
func DefaultIgnore() []string {
	return []string{".git/**", ".hg/**", ".svn/**", "node_modules/**", ".agentlink/**"}
}

// Store keeps checkpoints of one workspace under a separate directory.
type Store struct {
	workspace string
	dir       string
	ignore    []string
}

// NewStore opens (creating if needed) a checkpoint store for workspace.
// A nil ignore list uses DefaultIgnore.
func NewStore(workspace, dir string, ignore []string) (*Store, error) {
	ws, err := filepath.Abs(workspace)
	if err != nil {
		return nil, err
	}
	d, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	if ignore == nil {
		ignore = DefaultIgnore()
	}
	return &Store{workspace: ws, dir: d, ignore: ignore}, nil
}

// Create snapshots every non-ignored workspace file into a new checkpoint
// and returns its manifest.
func (s *Store) Create(label string) (Manifest, error) {
	m := Manifest{
		Version:   manifestVersion,
		ID:        uuid.NewString(),
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
	dest := filepath.Join(s.dir, m.ID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return Manifest{}, err
	}

	err := filepath.WalkDir(s.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == s.workspace {
			return nil
		}
		rel, err := filepath.Rel(s.workspace, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		// Never snapshot the store itself when it lives inside the workspace.
		if abs, _ := filepath.Abs(path); abs == s.dir || strings.HasPrefix(abs, s.dir+string(filepath.Separator)) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if s.ignored(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := copyFile(path, filepath.Join(dest, filepath.FromSlash(rel)), info.Mode()); err != nil {
			return err
		}
		m.Files = append(m.Files, FileEntry{Path: rel, Size: info.Size(), Mode: uint32(info.Mode())})
		return nil
	})
	if err != nil {
		_ = os.RemoveAll(dest)
		return Manifest{}, fmt.Errorf("snapshot workspace: %w", err)
	}

	if err := s.writeManifest(dest, m); err != nil {
		_ = os.RemoveAll(dest)
		return Manifest{}, err
	}
	logx.Log.Info().Str("id", m.ID).Str("label", label).Int("files", len(m.Files)).Msg("checkpoint created")
	return m, nil
}

// List returns every checkpoint's manifest, oldest first.
func (s *Store) List() ([]Manifest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.loadManifest(e.Name())
		if err != nil {
			logx.Log.Warn().Err(err).Str("id", e.Name()).Msg("skipping unreadable checkpoint")
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns the manifest for one checkpoint.
func (s *Store) Get(id string) (Manifest, error) {
	return s.loadManifest(id)
}

// Restore copies every file recorded in the checkpoint back into the
// workspace, overwriting current contents. Files created after the
// checkpoint are left in place.
func (s *Store) Restore(id string) error {
	m, err := s.loadManifest(id)
	if err != nil {
		return err
	}
	src := filepath.Join(s.dir, id)
	for _, f := range m.Files {
		from := filepath.Join(src, filepath.FromSlash(f.Path))
		to := filepath.Join(s.workspace, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return err
		}
		if err := copyFile(from, to, fs.FileMode(f.Mode)); err != nil {
			return fmt.Errorf("restore %s: %w", f.Path, err)
		}
	}
	logx.Log.Info().Str("id", id).Int("files", len(m.Files)).Msg("checkpoint restored")
	return nil
}

// Delete removes a checkpoint and its snapshot files.
func (s *Store) Delete(id string) error {
	dir := filepath.Join(s.dir, id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	logx.Log.Info().Str("id", id).Msg("checkpoint deleted")
	return nil
}

func (s *Store) ignored(rel string) bool {
	for _, p := range s.ignore {
		if ok, err := doublestar.PathMatch(p, rel); err == nil && ok {
			return true
		}
		// "dir/**" should also exclude "dir" itself so the walk can skip it.
		if trimmed := strings.TrimSuffix(p, "/**"); trimmed != p {
			if ok, err := doublestar.PathMatch(trimmed, rel); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// loadManifest reads a manifest, migrating the legacy layout in place the
// first time it is seen.
func (s *Store) loadManifest(id string) (Manifest, error) {
	dir := filepath.Join(s.dir, id)
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, err
	}

	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest for %s: %w", id, err)
	}

	switch probe.Version {
	case manifestVersion:
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return Manifest{}, fmt.Errorf("parse manifest for %s: %w", id, err)
		}
		return m, nil
	case 0:
		var legacy legacyManifest
		if err := json.Unmarshal(data, &legacy); err != nil {
			return Manifest{}, fmt.Errorf("parse legacy manifest for %s: %w", id, err)
		}
		m := s.migrate(dir, id, legacy)
		if err := s.writeManifest(dir, m); err != nil {
			return Manifest{}, fmt.Errorf("rewrite migrated manifest for %s: %w", id, err)
		}
		logx.Log.Info().Str("id", id).Msg("migrated legacy checkpoint manifest")
		return m, nil
	default:
		return Manifest{}, fmt.Errorf("unsupported manifest version %d for %s", probe.Version, id)
	}
}

func (s *Store) migrate(dir, id string, legacy legacyManifest) Manifest {
	m := Manifest{
		Version: manifestVersion,
		ID:      legacy.CheckpointID,
		Label:   legacy.Name,
	}
	if m.ID == "" {
		m.ID = id
	}
	if t, err := time.Parse(time.RFC3339, legacy.Created); err == nil {
		m.CreatedAt = t
	}
	for _, p := range legacy.Files {
		p = filepath.ToSlash(p)
		entry := FileEntry{Path: p, Mode: uint32(0o644)}
		if info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(p))); err == nil {
			entry.Size = info.Size()
			entry.Mode = uint32(info.Mode())
		}
		m.Files = append(m.Files, entry)
	}
	return m
}

func (s *Store) writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestName), data, 0o644)
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
