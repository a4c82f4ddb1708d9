package serverstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Store reads and writes the desired-state file. Every mutation is a
// load-modify-save under one lock, and saves replace the file
// atomically, so a failed mutation leaves the previous content intact.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// New returns a store for the file at path. The file need not exist.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		logger: logger.With("component", "serverstore"),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the file. A missing file is an empty config. A file that
// fails to parse or validate is an error; callers must not apply a
// partial result.
func (s *Store) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Config, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{Servers: []ServerConfig{}}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", s.path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if cfg.Servers == nil {
		cfg.Servers = []ServerConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate %s: %w", s.path, err)
	}
	return cfg, nil
}

// Save validates cfg and replaces the file with it.
func (s *Store) Save(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(cfg)
}

func (s *Store) save(cfg Config) error {
	if cfg.Servers == nil {
		cfg.Servers = []ServerConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode server config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", s.path, err)
	}

	s.logger.Debug("server config saved", "path", s.path, "servers", len(cfg.Servers))
	return nil
}

// update runs fn against the current file content and saves the result.
// Nothing is written when fn fails.
func (s *Store) update(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(&cfg); err != nil {
		return err
	}
	return s.save(cfg)
}

// Get returns the server called name.
func (s *Store) Get(name string) (ServerConfig, error) {
	cfg, err := s.Load()
	if err != nil {
		return ServerConfig{}, err
	}
	sc, ok := cfg.Find(name)
	if !ok {
		return ServerConfig{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return sc, nil
}

// Add appends sc. Names must be unique, and so must network URLs.
func (s *Store) Add(sc ServerConfig) error {
	sc.Type = normalizeKind(sc.Type)
	if err := sc.Validate(); err != nil {
		return err
	}

	return s.update(func(cfg *Config) error {
		for _, existing := range cfg.Servers {
			if existing.Name == sc.Name {
				return fmt.Errorf("%w: server with name %q already exists", ErrDuplicateName, sc.Name)
			}
			if sc.URL != "" && existing.URL == sc.URL {
				return fmt.Errorf("%w: server with url %q already exists as %q", ErrDuplicateURL, sc.URL, existing.Name)
			}
		}
		cfg.Servers = append(cfg.Servers, sc.Clone())
		s.logger.Info("server added", "server", sc.Name, "type", sc.Type)
		return nil
	})
}

// Remove deletes the server called name.
func (s *Store) Remove(name string) error {
	return s.update(func(cfg *Config) error {
		i := slices.IndexFunc(cfg.Servers, func(sc ServerConfig) bool { return sc.Name == name })
		if i < 0 {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		cfg.Servers = slices.Delete(cfg.Servers, i, i+1)
		s.logger.Info("server removed", "server", name)
		return nil
	})
}

// SetEnabled sets the enabled flag, or flips it when enabled is nil. It
// returns the new value.
func (s *Store) SetEnabled(name string, enabled *bool) (bool, error) {
	var result bool
	err := s.update(func(cfg *Config) error {
		for i := range cfg.Servers {
			if cfg.Servers[i].Name != name {
				continue
			}
			if enabled == nil {
				cfg.Servers[i].Enabled = !cfg.Servers[i].Enabled
			} else {
				cfg.Servers[i].Enabled = *enabled
			}
			result = cfg.Servers[i].Enabled
			s.logger.Info("server enabled state changed", "server", name, "enabled", result)
			return nil
		}
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	})
	return result, err
}

// SetAllowedTools replaces the allow-list. A nil tools allows every
// tool; an empty non-nil slice allows none.
func (s *Store) SetAllowedTools(name string, tools []string) error {
	return s.update(func(cfg *Config) error {
		for i := range cfg.Servers {
			if cfg.Servers[i].Name != name {
				continue
			}
			cfg.Servers[i].AllowedTools = slices.Clone(tools)
			s.logger.Info("server allow-list changed",
				"server", name,
				"all_tools", tools == nil,
				"allowed", len(tools),
			)
			return nil
		}
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	})
}
