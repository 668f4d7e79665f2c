package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mcpgate/pkg/logging"

	"github.com/fsnotify/fsnotify"
	json "github.com/goccy/go-json"
)

// userDirPrefix is the naming scheme for per-user token directories under
// the data directory.
const userDirPrefix = "user-"

// DefaultDirName is the token directory of the default worker.
const DefaultDirName = "default"

// cacheEntry holds cached credentials together with the load time so stale
// entries can be evicted by the cleanup loop.
type cacheEntry struct {
	creds    *Credentials
	loadedAt time.Time
}

// Store owns all on-disk credential files and the in-memory credential
// cache. Disk writes are serialized per user id; the cache is safe for
// concurrent access.
//
// Workers own their token directory and may rewrite tokens.json after their
// own refresh, so the store watches the data directory and drops cache
// entries when a credentials file changes underneath it.
type Store struct {
	dataDir  string
	cacheTTL time.Duration
	cipher   *Cipher

	mu    sync.RWMutex
	cache map[string]*cacheEntry

	// Per-user write locks so concurrent saves for the same user cannot
	// interleave their write-then-rename sequences.
	writeMu sync.Mutex
	writers map[string]*sync.Mutex

	watcher     *fsnotify.Watcher
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewStore creates a credential store rooted at dataDir. The directory is
// created if missing. Callers MUST call Stop when done.
func NewStore(dataDir string, cacheTTL time.Duration, cipher *Cipher) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		dataDir:     dataDir,
		cacheTTL:    cacheTTL,
		cipher:      cipher,
		cache:       make(map[string]*cacheEntry),
		writers:     make(map[string]*sync.Mutex),
		stopCleanup: make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create directory watcher: %w", err)
	}
	s.watcher = watcher

	if err := watcher.Add(dataDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch data directory: %w", err)
	}
	// Pick up user directories that already exist from a previous run.
	entries, err := os.ReadDir(dataDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() && strings.HasPrefix(e.Name(), userDirPrefix) {
				_ = watcher.Add(filepath.Join(dataDir, e.Name()))
			}
		}
	}

	go s.watchLoop()
	go s.cleanupLoop()

	return s, nil
}

// DataDir returns the root data directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

// UserDir returns the token directory for a user, creating it if needed.
func (s *Store) UserDir(userID string) (string, error) {
	dir := filepath.Join(s.dataDir, userDirPrefix+userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create token directory for user %s: %w", userID, err)
	}
	return dir, nil
}

// DefaultDir returns the default worker's token directory, creating it if
// needed.
func (s *Store) DefaultDir() (string, error) {
	dir := filepath.Join(s.dataDir, DefaultDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create default token directory: %w", err)
	}
	return dir, nil
}

// Load returns the credentials for a user, or nil if absent. A missing file
// is not an error; a corrupt file is treated as absent so one bad record
// can never take the gateway down.
func (s *Store) Load(userID string) (*Credentials, error) {
	s.mu.RLock()
	entry, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < s.cacheTTL {
		return entry.creds.clone(), nil
	}

	path := s.tokensPath(userID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credentials for user %s: %w", userID, err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		logging.Warn("TokenStore", "Corrupt credentials file for user=%s, treating as absent: %v", userID, err)
		return nil, nil
	}

	refresh, err := s.cipher.Open(creds.RefreshToken, userID)
	if err != nil {
		logging.Warn("TokenStore", "Failed to unseal refresh token for user=%s, treating as absent: %v", userID, err)
		return nil, nil
	}
	creds.RefreshToken = refresh
	creds.ExpiresAt = creds.ExpiresAt.UTC()

	s.mu.Lock()
	s.cache[userID] = &cacheEntry{creds: creds.clone(), loadedAt: time.Now()}
	s.mu.Unlock()

	return &creds, nil
}

// Save persists credentials for a user. The write is atomic: either the
// prior valid file or the new one is on disk, never a partial file.
func (s *Store) Save(userID string, creds *Credentials) error {
	if creds == nil {
		return fmt.Errorf("cannot save nil credentials for user %s", userID)
	}

	dir, err := s.UserDir(userID)
	if err != nil {
		return err
	}
	_ = s.watcher.Add(dir)

	record := creds.clone()
	record.UserID = userID
	record.ExpiresAt = record.ExpiresAt.UTC()

	sealed, err := s.cipher.Seal(record.RefreshToken, userID)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token for user %s: %w", userID, err)
	}
	onDisk := *record
	onDisk.RefreshToken = sealed

	data, err := json.MarshalIndent(&onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials for user %s: %w", userID, err)
	}

	lock := s.writerLock(userID)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(dir, tokensFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials for user %s: %w", userID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit credentials for user %s: %w", userID, err)
	}

	s.mu.Lock()
	s.cache[userID] = &cacheEntry{creds: record, loadedAt: time.Now()}
	s.mu.Unlock()

	logging.Debug("TokenStore", "Saved credentials for user=%s (expires: %v)", userID, record.ExpiresAt)
	return nil
}

// Clear drops a user's cache entry and unlinks the credentials file. An
// absent file is not an error.
func (s *Store) Clear(userID string) error {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()

	lock := s.writerLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.tokensPath(userID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials for user %s: %w", userID, err)
	}

	logging.Debug("TokenStore", "Cleared credentials for user=%s", userID)
	return nil
}

// Invalidate drops a user's cache entry without touching disk. The next
// Load re-reads the file.
func (s *Store) Invalidate(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}

// Stop terminates the watcher and the cache cleanup loop.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
		s.watcher.Close()
	})
}

func (s *Store) tokensPath(userID string) string {
	return filepath.Join(s.dataDir, userDirPrefix+userID, tokensFileName)
}

func (s *Store) writerLock(userID string) *sync.Mutex {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	lock, ok := s.writers[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.writers[userID] = lock
	}
	return lock
}

// watchLoop reacts to filesystem changes under the data directory. Workers
// rewrite tokens.json in their own directory after refreshing, which would
// leave the gateway cache stale without this.
func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("TokenStore", "Directory watcher error: %v", err)
		}
	}
}

func (s *Store) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	parent := filepath.Base(filepath.Dir(event.Name))

	// A new user directory appeared: watch it for tokens.json changes.
	if event.Op.Has(fsnotify.Create) && strings.HasPrefix(name, userDirPrefix) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = s.watcher.Add(event.Name)
			return
		}
	}

	if name != tokensFileName || !strings.HasPrefix(parent, userDirPrefix) {
		return
	}
	userID := strings.TrimPrefix(parent, userDirPrefix)

	if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		s.Invalidate(userID)
		logging.Debug("TokenStore", "Invalidated cached credentials for user=%s after %s", userID, event.Op)
	}
}

// cleanupLoop evicts cache entries past the TTL so a long-idle user's
// credentials are re-read from disk on next use.
func (s *Store) cleanupLoop() {
	interval := s.cacheTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for userID, entry := range s.cache {
		if time.Since(entry.loadedAt) > s.cacheTTL {
			delete(s.cache, userID)
			count++
		}
	}

	if count > 0 {
		logging.Debug("TokenStore", "Evicted %d stale cache entries", count)
	}
}
