// Package store keeps assembled images in a content-addressed SQLite
// database. Images are keyed by the hex SHA-256 of their encoding and can
// be looked up by full hash, unique hash prefix or name.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/moonvm/image"
	"github.com/chazu/moonvm/vm"
)

var log = commonlog.GetLogger("moon.store")

var (
	// ErrNotFound indicates no image matches a reference.
	ErrNotFound = errors.New("store: image not found")
	// ErrAmbiguous indicates a hash prefix matches more than one image.
	ErrAmbiguous = errors.New("store: ambiguous image reference")
)

// minPrefix is the shortest hash prefix accepted as a reference.
const minPrefix = 4

// Entry describes one stored image.
type Entry struct {
	Hash    string
	Name    string
	Size    int
	Created time.Time
}

// ShortHash is the first 12 hex digits of the hash.
func (e Entry) ShortHash() string {
	if len(e.Hash) > 12 {
		return e.Hash[:12]
	}
	return e.Hash
}

// Store is an image database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the store at path. ":memory:" gives a private
// in-memory store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS images (
		hash       TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		data       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating table: %w", err)
	}
	log.Debugf("opened %s", path)
	return &Store{db: db, path: path}, nil
}

// DefaultPath is $MOON_STORE, or ~/.moon/images.db.
func DefaultPath() (string, error) {
	if p := os.Getenv("MOON_STORE"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: getting home dir: %w", err)
	}
	return filepath.Join(home, ".moon", "images.db"), nil
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put encodes p and stores it under name, returning its hash. Storing an
// image that is already present only renames it.
func (s *Store) Put(name string, p *vm.FuncProto) (string, error) {
	data, err := image.Marshal(p)
	if err != nil {
		return "", err
	}
	hash := image.HashBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`INSERT INTO images (hash, name, data, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET name = excluded.name`,
		hash, name, data, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("store: saving image: %w", err)
	}
	log.Infof("stored %s as %s", name, hash[:12])
	return hash, nil
}

// Get loads and decodes the image ref names.
func (s *Store) Get(ref string) (*vm.FuncProto, string, error) {
	hash, err := s.Resolve(ref)
	if err != nil {
		return nil, "", err
	}
	var data []byte
	if err := s.db.QueryRow("SELECT data FROM images WHERE hash = ?", hash).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, "", fmt.Errorf("store: querying image: %w", err)
	}
	if got := image.HashBytes(data); got != hash {
		return nil, "", fmt.Errorf("store: image %s is corrupt (hash %s)", hash[:12], got[:12])
	}
	p, err := image.Unmarshal(data)
	if err != nil {
		return nil, "", err
	}
	return p, hash, nil
}

// Resolve turns a reference into a full hash. A reference is a full hash,
// a unique prefix of at least four hex digits, or an image name; a name
// shared by several images picks the most recently stored.
func (s *Store) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrNotFound)
	}

	if prefix := strings.ToLower(ref); len(prefix) >= minPrefix && isHex(prefix) {
		rows, err := s.db.Query("SELECT hash FROM images WHERE hash LIKE ? ORDER BY hash LIMIT 2", prefix+"%")
		if err != nil {
			return "", fmt.Errorf("store: resolving %s: %w", ref, err)
		}
		var hashes []string
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				rows.Close()
				return "", fmt.Errorf("store: resolving %s: %w", ref, err)
			}
			hashes = append(hashes, h)
		}
		rows.Close()
		switch len(hashes) {
		case 1:
			return hashes[0], nil
		case 2:
			return "", fmt.Errorf("%w: %s", ErrAmbiguous, ref)
		}
	}

	var hash string
	err := s.db.QueryRow("SELECT hash FROM images WHERE name = ? ORDER BY created_at DESC, rowid DESC LIMIT 1", ref).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return "", fmt.Errorf("store: resolving %s: %w", ref, err)
	}
	return hash, nil
}

// List returns every stored image, newest first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query("SELECT hash, name, length(data), created_at FROM images ORDER BY created_at DESC, rowid DESC")
	if err != nil {
		return nil, fmt.Errorf("store: listing images: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.Hash, &e.Name, &e.Size, &created); err != nil {
			return nil, fmt.Errorf("store: listing images: %w", err)
		}
		e.Created = time.Unix(0, created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: listing images: %w", err)
	}
	return entries, nil
}

// Delete removes the image ref names.
func (s *Store) Delete(ref string) error {
	hash, err := s.Resolve(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM images WHERE hash = ?", hash); err != nil {
		return fmt.Errorf("store: deleting image: %w", err)
	}
	log.Infof("deleted %s", hash[:12])
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
