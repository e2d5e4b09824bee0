package cooldown

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const cooldownsFilename = "provider_cooldowns.json"

// cooldownFile is the on-disk shape: key = "model|provider", value = blocked_until RFC3339.
type cooldownFile map[string]string

// Entry is one provider/model pair that is suppressed until Until.
type Entry struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Until    time.Time `json:"until"`
}

// Store persists provider cooldowns (e.g. after a rate limit) in configDir.
// Writes are serialized within the process; across processes the last write wins.
type Store struct {
	configDir string
	mu        sync.Mutex
	now       func() time.Time
}

// New returns a Store rooted at configDir. An empty configDir disables persistence.
func New(configDir string) *Store {
	return &Store{configDir: configDir, now: time.Now}
}

func key(provider, model string) string { return model + "|" + provider }

// LoadBlocked returns every entry still in effect (Until > now).
// Prunes expired entries when reading. Returns nil if the file is missing.
func (s *Store) LoadBlocked() ([]Entry, error) {
	if s == nil || s.configDir == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.read()
	if err != nil || file == nil {
		return nil, err
	}
	now := s.now().UTC()
	var blocked []Entry
	pruned := make(cooldownFile)
	for k, untilStr := range file {
		t, err := time.Parse(time.RFC3339, untilStr)
		if err != nil || !t.After(now) {
			continue
		}
		pruned[k] = untilStr
		model, provider, ok := strings.Cut(k, "|")
		if !ok || provider == "" {
			continue
		}
		blocked = append(blocked, Entry{Provider: provider, Model: model, Until: t})
	}
	if len(pruned) != len(file) {
		_ = s.write(pruned)
	}
	sort.Slice(blocked, func(i, j int) bool {
		if blocked[i].Provider != blocked[j].Provider {
			return blocked[i].Provider < blocked[j].Provider
		}
		return blocked[i].Model < blocked[j].Model
	})
	return blocked, nil
}

// IsBlocked reports whether provider/model is cooling down.
func (s *Store) IsBlocked(provider, model string) bool {
	entries, err := s.LoadBlocked()
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Provider == provider && e.Model == model {
			return true
		}
	}
	return false
}

// Record suppresses provider/model until blockedUntil.
// If the pair is already recorded with a later blocked_until, that is kept.
func (s *Store) Record(provider, model string, blockedUntil time.Time) error {
	if s == nil || s.configDir == "" || model == "" || provider == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.read()
	if err != nil {
		file = nil
	}
	if file == nil {
		file = make(cooldownFile)
	}
	k := key(provider, model)
	if existing, ok := file[k]; ok {
		t, _ := time.Parse(time.RFC3339, existing)
		if !blockedUntil.After(t) {
			return nil
		}
	}
	file[k] = blockedUntil.UTC().Format(time.RFC3339)
	return s.write(file)
}

// Clear removes any cooldown for provider/model.
func (s *Store) Clear(provider, model string) error {
	if s == nil || s.configDir == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := s.read()
	if err != nil || file == nil {
		return err
	}
	if _, ok := file[key(provider, model)]; !ok {
		return nil
	}
	delete(file, key(provider, model))
	return s.write(file)
}

func (s *Store) read() (cooldownFile, error) {
	data, err := os.ReadFile(filepath.Join(s.configDir, cooldownsFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var file cooldownFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return file, nil
}

func (s *Store) write(file cooldownFile) error {
	if err := os.MkdirAll(s.configDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	// Temp file + rename: readers never see a partial file.
	p := filepath.Join(s.configDir, cooldownsFilename)
	tmp, err := os.CreateTemp(s.configDir, cooldownsFilename+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}
