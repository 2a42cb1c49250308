package vision

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// URIPrefix marks managed asset references.
const URIPrefix = "asset://"

// AssetStore persists image bytes and returns managed asset URIs. Persist
// also returns the URIs evicted by retention so callers can mark their
// records deleted.
type AssetStore interface {
	Persist(ctx context.Context, sessionID string, imageBytes []byte, mime, imageHash string, tsMS int64) (uri string, deleted []string, err error)
	Cleanup(ctx context.Context) ([]string, error)
}

func safeSegment(value, fallback string) string {
	text := strings.TrimSpace(value)
	if text == "" {
		return fallback
	}
	var b strings.Builder
	for _, ch := range text {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteRune('-')
		}
	}
	cleaned := strings.Trim(b.String(), "-_")
	if cleaned == "" {
		return fallback
	}
	return cleaned
}

func extForMime(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/heic":
		return "heic"
	case "image/heif":
		return "heif"
	default:
		return "bin"
	}
}

// assetRelPath builds the {session}/{yyyymmdd}/{ts}-{hash}.{ext} layout.
func assetRelPath(sessionID string, mime, imageHash string, tsMS int64) string {
	session := safeSegment(sessionID, "unknown-session")
	day := time.UnixMilli(tsMS).UTC().Format("20060102")
	hash := safeSegment(imageHash, "hash")
	if len(hash) > 24 {
		hash = hash[:24]
	}
	return path.Join(session, day, fmt.Sprintf("%d-%s.%s", tsMS, hash, extForMime(mime)))
}

// LocalAssetStore keeps assets on the local filesystem with count-bounded
// retention: every cleanupInterval writes the oldest files beyond maxFiles
// are evicted.
type LocalAssetStore struct {
	root            string
	maxFiles        int
	cleanupInterval int

	mu     sync.Mutex
	writes int
}

// NewLocalAssetStore builds a local store rooted at dir. maxFiles and
// cleanupInterval default to 5000 and 100.
func NewLocalAssetStore(dir string, maxFiles, cleanupInterval int) (*LocalAssetStore, error) {
	if maxFiles <= 0 {
		maxFiles = 5000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 100
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vision: create asset root: %w", err)
	}
	return &LocalAssetStore{root: dir, maxFiles: maxFiles, cleanupInterval: cleanupInterval}, nil
}

// Persist writes the image atomically and returns its asset URI, plus any
// URIs evicted by the periodic cleanup.
func (s *LocalAssetStore) Persist(ctx context.Context, sessionID string, imageBytes []byte, mime, imageHash string, tsMS int64) (string, []string, error) {
	rel := assetRelPath(sessionID, mime, imageHash, tsMS)
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", nil, fmt.Errorf("vision: create asset dir: %w", err)
	}
	if _, err := os.Stat(full); os.IsNotExist(err) {
		tmp := full + ".tmp"
		if err := os.WriteFile(tmp, imageBytes, 0o644); err != nil {
			return "", nil, fmt.Errorf("vision: write asset: %w", err)
		}
		if err := os.Rename(tmp, full); err != nil {
			return "", nil, fmt.Errorf("vision: finalize asset: %w", err)
		}
	}

	var deleted []string
	s.mu.Lock()
	s.writes++
	due := s.writes >= s.cleanupInterval
	if due {
		s.writes = 0
	}
	s.mu.Unlock()
	if due {
		var err error
		deleted, err = s.Cleanup(ctx)
		if err != nil {
			return URIPrefix + rel, nil, err
		}
	}
	return URIPrefix + rel, deleted, nil
}

// Resolve maps an asset URI back to its local path. Returns "" for URIs this
// store does not own.
func (s *LocalAssetStore) Resolve(uri string) string {
	text := strings.TrimSpace(uri)
	if !strings.HasPrefix(text, URIPrefix) {
		return ""
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(text, URIPrefix)))
}

// Cleanup evicts the oldest files beyond the retention bound and returns
// their asset URIs.
func (s *LocalAssetStore) Cleanup(context.Context) ([]string, error) {
	type entry struct {
		path  string
		mtime time.Time
	}
	var files []entry
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, entry{path: p, mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vision: cleanup walk: %w", err)
	}
	overflow := len(files) - s.maxFiles
	if overflow <= 0 {
		return nil, nil
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mtime.Equal(files[j].mtime) {
			return files[i].path < files[j].path
		}
		return files[i].mtime.Before(files[j].mtime)
	})
	var deleted []string
	for _, f := range files[:overflow] {
		if err := os.Remove(f.path); err != nil {
			continue
		}
		rel, err := filepath.Rel(s.root, f.path)
		if err != nil {
			continue
		}
		deleted = append(deleted, URIPrefix+filepath.ToSlash(rel))
	}
	return deleted, nil
}
