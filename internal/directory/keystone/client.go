// Package keystone lists users and projects from a Keystone v3 identity
// service.
package keystone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/projects"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/users"

	"cadflog/internal/directory"
	"cadflog/pkg/platform/sentinel"
)

// DefaultDomain is used for both the user and the project scope when none
// is configured.
const DefaultDomain = "Default"

// Config holds password credentials scoped to a project.
type Config struct {
	AuthURL  string
	Username string
	Password string
	Project  string
	Domain   string
}

// Client implements directory.Lister. Each call opens a fresh authenticated
// session: a token cached from start-up may have expired by the time a
// creation event triggers the next rebuild.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

var _ directory.Lister = (*Client)(nil)

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a logger for session diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Keystone client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListUsers authenticates and returns every user visible to the session.
func (c *Client) ListUsers(ctx context.Context) ([]directory.Entry, error) {
	identity, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	pages, err := users.List(identity, users.ListOpts{}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", classify(err))
	}
	all, err := users.ExtractUsers(pages)
	if err != nil {
		return nil, fmt.Errorf("extract users: %w", err)
	}

	entries := make([]directory.Entry, 0, len(all))
	for _, u := range all {
		entries = append(entries, directory.Entry{ID: u.ID, Name: u.Name})
	}
	return entries, nil
}

// ListProjects authenticates and returns every project visible to the session.
func (c *Client) ListProjects(ctx context.Context) ([]directory.Entry, error) {
	identity, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	pages, err := projects.List(identity, projects.ListOpts{}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", classify(err))
	}
	all, err := projects.ExtractProjects(pages)
	if err != nil {
		return nil, fmt.Errorf("extract projects: %w", err)
	}

	entries := make([]directory.Entry, 0, len(all))
	for _, p := range all {
		entries = append(entries, directory.Entry{ID: p.ID, Name: p.Name})
	}
	return entries, nil
}

func (c *Client) session(ctx context.Context) (*gophercloud.ServiceClient, error) {
	provider, err := openstack.AuthenticatedClient(ctx, gophercloud.AuthOptions{
		IdentityEndpoint: c.cfg.AuthURL,
		Username:         c.cfg.Username,
		Password:         c.cfg.Password,
		DomainName:       c.cfg.Domain,
		Scope: &gophercloud.AuthScope{
			ProjectName: c.cfg.Project,
			DomainName:  c.cfg.Domain,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("authenticate to %s as %s: %w", c.cfg.AuthURL, c.cfg.Username, classify(err))
	}

	identity, err := openstack.NewIdentityV3(provider, gophercloud.EndpointOpts{})
	if err != nil {
		return nil, fmt.Errorf("identity v3 client: %w", err)
	}

	if c.logger != nil {
		c.logger.DebugContext(ctx, "keystone session opened",
			"auth_url", c.cfg.AuthURL,
			"user", c.cfg.Username,
			"project", c.cfg.Project,
		)
	}
	return identity, nil
}

// classify marks transport failures and 5xx responses as unavailable so
// callers can tell an outage from rejected credentials.
func classify(err error) error {
	var status gophercloud.ErrUnexpectedResponseCode
	if errors.As(err, &status) {
		if status.Actual >= 500 {
			return errors.Join(sentinel.ErrUnavailable, err)
		}
		return err
	}
	return errors.Join(sentinel.ErrUnavailable, err)
}
