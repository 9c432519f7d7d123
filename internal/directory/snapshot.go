// Package directory keeps an in-memory id → name snapshot of the identity
// directory's users and projects.
//
// A Snapshot is owned by the consumer loop and is not safe for concurrent
// use. Every rebuild replaces a whole map; entries are never merged, so a
// lookup always observes the result of one complete listing.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"cadflog/internal/platform/metrics"
	"cadflog/pkg/platform/sentinel"
)

// Entry is one directory listing row.
type Entry struct {
	ID   string
	Name string
}

// Lister fetches full listings from the directory service. Implementations
// authenticate per call so an expired token never outlives a rebuild.
type Lister interface {
	ListUsers(ctx context.Context) ([]Entry, error)
	ListProjects(ctx context.Context) ([]Entry, error)
}

const (
	kindUsers    = "users"
	kindProjects = "projects"
)

// Snapshot maps user and project identifiers to display names.
type Snapshot struct {
	source   Lister
	logger   *slog.Logger
	metrics  *metrics.Metrics
	users    map[string]string
	projects map[string]string
}

// Option configures the Snapshot.
type Option func(*Snapshot)

// WithLogger sets a logger for rebuild diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Snapshot) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Snapshot) {
		s.metrics = m
	}
}

// NewSnapshot creates an empty snapshot backed by source.
func NewSnapshot(source Lister, opts ...Option) *Snapshot {
	s := &Snapshot{
		source:   source,
		users:    map[string]string{},
		projects: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Populate performs the initial population of both maps. Callers must not
// start consuming when it fails.
func (s *Snapshot) Populate(ctx context.Context) error {
	if err := s.RebuildUsers(ctx); err != nil {
		return err
	}
	return s.RebuildProjects(ctx)
}

// RebuildUsers replaces the user map with a fresh listing. On failure the
// previous map is kept and the error is returned.
func (s *Snapshot) RebuildUsers(ctx context.Context) error {
	users, err := s.rebuild(ctx, kindUsers, s.source.ListUsers)
	if err != nil {
		return err
	}
	s.users = users
	return nil
}

// RebuildProjects replaces the project map with a fresh listing. On failure
// the previous map is kept and the error is returned.
func (s *Snapshot) RebuildProjects(ctx context.Context) error {
	projects, err := s.rebuild(ctx, kindProjects, s.source.ListProjects)
	if err != nil {
		return err
	}
	s.projects = projects
	return nil
}

func (s *Snapshot) rebuild(ctx context.Context, kind string, list func(context.Context) ([]Entry, error)) (map[string]string, error) {
	start := time.Now()
	entries, err := list(ctx)
	if s.metrics != nil {
		s.metrics.ObserveRebuild(kind, time.Since(start).Seconds(), err)
	}
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "directory rebuild failed, keeping last snapshot",
				"kind", kind,
				"unavailable", errors.Is(err, sentinel.ErrUnavailable),
				"error", err,
			)
		}
		return nil, fmt.Errorf("rebuild %s: %w", kind, err)
	}

	next := make(map[string]string, len(entries))
	for _, e := range entries {
		next[e.ID] = e.Name
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "directory rebuilt",
			"kind", kind,
			"entries", len(next),
			"duration", time.Since(start),
		)
	}
	return next, nil
}

// UserName looks up a user's display name.
func (s *Snapshot) UserName(id string) (string, bool) {
	name, ok := s.users[id]
	return name, ok
}

// ProjectName looks up a project's display name.
func (s *Snapshot) ProjectName(id string) (string, bool) {
	name, ok := s.projects[id]
	return name, ok
}

// Users returns a copy of the user map.
func (s *Snapshot) Users() map[string]string {
	return maps.Clone(s.users)
}

// Projects returns a copy of the project map.
func (s *Snapshot) Projects() map[string]string {
	return maps.Clone(s.projects)
}
