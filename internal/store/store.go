package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"Runway/internal/config"
	"Runway/internal/models"
)

const defaultMaxEvents = 1000

// Store is a bounded journal of scaling decisions, persisted as JSON
type Store struct {
	config    config.StoreConfig
	decisions []models.ScalingDecision
	mu        sync.RWMutex
}

// New creates a new store instance
func New(cfg config.StoreConfig) (*Store, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}

	s := &Store{
		config:    cfg,
		decisions: make([]models.ScalingDecision, 0),
	}

	// Load existing decisions if file exists
	if cfg.Enabled && cfg.Path != "" {
		if err := s.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}

	return s, nil
}

// Record appends a decision to the journal
func (s *Store) Record(decision models.ScalingDecision) error {
	if !s.config.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.decisions = append(s.decisions, decision)

	// Trim old decisions if we exceed max
	if len(s.decisions) > s.config.MaxEvents {
		s.decisions = s.decisions[len(s.decisions)-s.config.MaxEvents:]
	}

	if s.config.Path == "" {
		return nil
	}
	return s.persist()
}

// Recent returns up to count of the newest decisions, oldest first
func (s *Store) Recent(count int) []models.ScalingDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count > len(s.decisions) || count < 0 {
		count = len(s.decisions)
	}

	return append([]models.ScalingDecision(nil), s.decisions[len(s.decisions)-count:]...)
}

// All returns every journaled decision
func (s *Store) All() []models.ScalingDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]models.ScalingDecision(nil), s.decisions...)
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &s.decisions)
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.decisions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal decisions: %w", err)
	}

	// Write then rename so readers never see a partial file
	tmp := s.config.Path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.config.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	return os.Rename(tmp, s.config.Path)
}
