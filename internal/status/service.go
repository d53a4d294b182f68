// Package status resolves rows of the small per-job status reference tables.
package status

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"yoma-reconciler/internal/models"
)

var (
	// ErrInvalidArgument is returned for a blank status name or id.
	ErrInvalidArgument = errors.New("status: name must not be empty")
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("status: not found")
)

// Source lists the rows of a status table.
type Source interface {
	ListStatuses(ctx context.Context, statusTable string) ([]models.StatusLookup, error)
}

// Service answers lookups against one status table.
type Service struct {
	table  string
	source Source
	cache  *Cache
}

// NewService returns a service for table. A nil cache disables caching.
func NewService(table string, source Source, cache *Cache) *Service {
	return &Service{table: table, source: source, cache: cache}
}

// Table is the status table name.
func (s *Service) Table() string {
	return s.table
}

// List returns every row sorted by name.
func (s *Service) List(ctx context.Context) ([]models.StatusLookup, error) {
	if s.cache != nil {
		if statuses, ok := s.cache.get(ctx, s.table); ok {
			return statuses, nil
		}
	}

	statuses, err := s.source.ListStatuses(ctx, s.table)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.table, err)
	}
	sort.SliceStable(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	if s.cache != nil {
		s.cache.set(ctx, s.table, statuses)
	}
	return statuses, nil
}

// GetByName resolves a status by name, trimmed and case-insensitive.
func (s *Service) GetByName(ctx context.Context, name string) (models.StatusLookup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.StatusLookup{}, ErrInvalidArgument
	}
	statuses, err := s.List(ctx)
	if err != nil {
		return models.StatusLookup{}, err
	}
	for _, st := range statuses {
		if strings.EqualFold(strings.TrimSpace(st.Name), name) {
			return st, nil
		}
	}
	return models.StatusLookup{}, fmt.Errorf("%s %q: %w", s.table, name, ErrNotFound)
}

// GetByID resolves a status by id.
func (s *Service) GetByID(ctx context.Context, id string) (models.StatusLookup, error) {
	if strings.TrimSpace(id) == "" {
		return models.StatusLookup{}, ErrInvalidArgument
	}
	statuses, err := s.List(ctx)
	if err != nil {
		return models.StatusLookup{}, err
	}
	for _, st := range statuses {
		if st.ID == id {
			return st, nil
		}
	}
	return models.StatusLookup{}, fmt.Errorf("%s id %s: %w", s.table, id, ErrNotFound)
}

// IDs resolves several names at once.
func (s *Service) IDs(ctx context.Context, names ...string) ([]string, error) {
	ids := make([]string, 0, len(names))
	for _, name := range names {
		st, err := s.GetByName(ctx, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, st.ID)
	}
	return ids, nil
}
