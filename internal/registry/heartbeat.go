package registry

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/playcore/internal/logger"
	"github.com/zsiec/playcore/internal/session"
)

// unregisterTimeout bounds the cleanup done when the publisher stops.
const unregisterTimeout = 5 * time.Second

// Source is a session whose snapshots are published.
type Source interface {
	ID() string
	Snapshot() session.Snapshot
}

// NewInstanceID returns an identifier for this process: the host name and
// a random suffix.
func NewInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "playcore"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Publisher periodically writes the snapshots of its sources to a registry,
// re-registering sessions whose entries expired.
type Publisher struct {
	registry Registry
	instance string
	interval time.Duration
	logger   logger.Logger

	mu      sync.Mutex
	sources map[string]Source
}

// NewPublisher creates a publisher that heartbeats every interval.
func NewPublisher(reg Registry, instance string, interval time.Duration, log logger.Logger) *Publisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Publisher{
		registry: reg,
		instance: instance,
		interval: interval,
		logger:   logger.ForComponent(log, "registry_publisher", ""),
		sources:  make(map[string]Source),
	}
}

// Instance returns the identifier entries are registered under.
func (p *Publisher) Instance() string {
	return p.instance
}

// Add starts publishing src on the next heartbeat.
func (p *Publisher) Add(src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[src.ID()] = src
}

// Remove stops publishing a session and removes it from the registry.
func (p *Publisher) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	delete(p.sources, id)
	p.mu.Unlock()

	if err := p.registry.Unregister(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	return nil
}

func (p *Publisher) snapshotSources() []Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Source, 0, len(p.sources))
	for _, src := range p.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Run publishes until ctx is cancelled, then unregisters every source.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.WithFields(map[string]interface{}{
		"instance": p.instance,
		"interval": p.interval.String(),
	}).Info("Starting registry heartbeat")

	p.Publish(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.unregisterAll()
			return nil
		case <-ticker.C:
			p.Publish(ctx)
		}
	}
}

// Publish writes one heartbeat for every source.
func (p *Publisher) Publish(ctx context.Context) {
	for _, src := range p.snapshotSources() {
		snap := src.Snapshot()
		err := p.registry.Heartbeat(ctx, src.ID(), snap)
		if errors.Is(err, ErrSessionNotFound) {
			err = p.registry.Register(ctx, NewEntry(p.instance, snap))
		}
		if err != nil && ctx.Err() == nil {
			p.logger.WithError(err).WithField("session_id", src.ID()).Warn("Failed to publish session heartbeat")
		}
	}
}

func (p *Publisher) unregisterAll() {
	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	for _, src := range p.snapshotSources() {
		if err := p.registry.Unregister(ctx, src.ID()); err != nil && !errors.Is(err, ErrSessionNotFound) {
			p.logger.WithError(err).WithField("session_id", src.ID()).Warn("Failed to unregister session")
		}
	}
	p.logger.Info("Registry heartbeat stopped")
}
