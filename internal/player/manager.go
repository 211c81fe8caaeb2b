// Package player runs a set of sessions on one event loop and exposes them
// to the status API, the health checks and the registry publisher.
package player

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/errors"
	"github.com/zsiec/playcore/internal/fetch"
	"github.com/zsiec/playcore/internal/logger"
	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/metrics"
	"github.com/zsiec/playcore/internal/platform"
	"github.com/zsiec/playcore/internal/registry"
	"github.com/zsiec/playcore/internal/session"
)

// DefaultSinkQuota is the per-sink byte quota of sessions that do not set
// one (64MB).
const DefaultSinkQuota = 64 << 20

var (
	ErrSessionNotFound = stderrors.New("session not found")
	ErrSessionExists   = stderrors.New("session already exists")
	ErrUnknownAction   = stderrors.New("unknown action")
)

// Executor is a loop that can also run a function synchronously on itself.
type Executor interface {
	loop.Loop
	Do(ctx context.Context, fn func()) error
}

// Publisher receives the sessions to advertise. *registry.Publisher
// satisfies it.
type Publisher interface {
	Add(src registry.Source)
	Remove(ctx context.Context, id string) error
}

// Action is a playback command accepted by Control.
type Action string

const (
	ActionPlay  Action = "play"
	ActionPause Action = "pause"
	ActionSeek  Action = "seek"
	ActionLive  Action = "live"
)

// Command is a playback command for one session.
type Command struct {
	Action Action  `json:"action"`
	Time   float64 `json:"time,omitempty"`
}

// Config holds the collaborators shared by every session of a Manager.
type Config struct {
	Loop      Executor
	Settings  *config.Settings
	Transport fetch.Transport
	// SinkLatency delays sink completions to mimic a decoder pipeline.
	SinkLatency    time.Duration
	RequestTimeout time.Duration
	TickInterval   time.Duration
	Reporter       errors.Reporter
	Logger         logger.Logger
}

// Manager owns the sessions of the process.
type Manager struct {
	cfg    Config
	logger logger.Logger

	mu        sync.RWMutex
	sessions  map[string]*entry
	publisher Publisher
}

type entry struct {
	session *session.Session
	sinks   *platform.MemorySinkFactory
}

// NewManager creates an empty manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.ForComponent(cfg.Logger, "player_manager", ""),
		sessions: make(map[string]*entry),
	}
}

// SetPublisher advertises current and future sessions through p.
func (m *Manager) SetPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
	for _, e := range m.sessions {
		p.Add(e.session)
	}
}

// Add creates and starts a session on the loop.
func (m *Manager) Add(ctx context.Context, sc config.SessionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sc.ID]; ok {
		return errors.Wrap(fmt.Errorf("%w: %s", ErrSessionExists, sc.ID), errors.ErrorTypeConflict,
			"session already exists", http.StatusConflict)
	}

	quota := int(sc.SinkQuotaBytes)
	if quota <= 0 {
		quota = DefaultSinkQuota
	}
	sinks := platform.NewMemorySinkFactory(m.cfg.Loop, quota, m.cfg.SinkLatency)

	var (
		s   *session.Session
		err error
	)
	runErr := m.cfg.Loop.Do(ctx, func() {
		s, err = session.New(session.Config{
			Session:        sc,
			Loop:           m.cfg.Loop,
			Settings:       m.cfg.Settings,
			Transport:      m.cfg.Transport,
			Sinks:          sinks,
			TickInterval:   m.cfg.TickInterval,
			RequestTimeout: m.cfg.RequestTimeout,
			Reporter:       m.cfg.Reporter,
			Logger:         m.cfg.Logger,
		})
		if err != nil {
			return
		}
		err = s.Start()
	})
	if runErr != nil {
		return fmt.Errorf("failed to start session %s: %w", sc.ID, runErr)
	}
	if err != nil {
		return err
	}

	m.sessions[sc.ID] = &entry{session: s, sinks: sinks}
	if m.publisher != nil {
		m.publisher.Add(s)
	}
	metrics.SetActiveSessions(len(m.sessions))

	m.logger.WithFields(map[string]interface{}{
		"session_id": sc.ID,
		"dynamic":    sc.Dynamic,
		"tracks":     len(sc.Tracks),
	}).Info("Session added")
	return nil
}

// Remove stops a session and forgets it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		metrics.SetActiveSessions(len(m.sessions))
	}
	publisher := m.publisher
	m.mu.Unlock()

	if !ok {
		return notFound(id)
	}
	if err := m.cfg.Loop.Do(ctx, e.session.Stop); err != nil {
		return fmt.Errorf("failed to stop session %s: %w", id, err)
	}
	if publisher != nil {
		if err := publisher.Remove(ctx, id); err != nil {
			m.logger.WithError(err).WithField("session_id", id).Warn("Failed to unregister session")
		}
	}
	m.logger.WithField("session_id", id).Info("Session removed")
	return nil
}

// StopAll stops every session. The sessions stay listed.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		sessions = append(sessions, e.session)
	}
	m.mu.RUnlock()

	return m.cfg.Loop.Do(ctx, func() {
		for _, s := range sessions {
			s.Stop()
		}
	})
}

// Len returns the number of sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshots returns the latest snapshot of every session ordered by id.
func (m *Manager) Snapshots() []session.Snapshot {
	m.mu.RLock()
	out := make([]session.Snapshot, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the latest snapshot of one session.
func (m *Manager) Lookup(id string) (session.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return session.Snapshot{}, false
	}
	return e.session.Snapshot(), true
}

// SinkUsage returns the bytes held by each sink of a session.
func (m *Manager) SinkUsage(id string) (map[string]int, bool) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	snap := e.session.Snapshot()
	usage := make(map[string]int, len(snap.Buffers))
	for _, b := range snap.Buffers {
		if sink := e.sinks.Sink(b.MediaType); sink != nil {
			usage[string(b.MediaType)] = sink.UsedBytes()
		}
	}
	return usage, true
}

// Control applies cmd to a session on the loop and returns the snapshot
// taken right after it.
func (m *Manager) Control(ctx context.Context, id string, cmd Command) (session.Snapshot, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return session.Snapshot{}, notFound(id)
	}

	apply, err := m.action(e.session, cmd)
	if err != nil {
		return session.Snapshot{}, err
	}

	var snap session.Snapshot
	if err := m.cfg.Loop.Do(ctx, func() {
		apply()
		snap = e.session.Refresh()
	}); err != nil {
		return session.Snapshot{}, err
	}

	m.logger.WithFields(map[string]interface{}{
		"session_id": id,
		"action":     string(cmd.Action),
	}).Debug("Session command applied")
	return snap, nil
}

func (m *Manager) action(s *session.Session, cmd Command) (func(), error) {
	switch cmd.Action {
	case ActionPlay:
		return s.Play, nil
	case ActionPause:
		return s.Pause, nil
	case ActionSeek:
		if math.IsNaN(cmd.Time) || math.IsInf(cmd.Time, 0) {
			return nil, errors.NewValidationError("seek time must be a finite number")
		}
		return func() { s.Seek(cmd.Time) }, nil
	case ActionLive:
		if !s.Snapshot().Dynamic {
			return nil, errors.NewValidationError("session is not live")
		}
		return s.SeekToLive, nil
	}
	return nil, errors.Wrap(fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action),
		errors.ErrorTypeValidation, "unknown action", http.StatusBadRequest)
}

func notFound(id string) error {
	return errors.Wrap(fmt.Errorf("%w: %s", ErrSessionNotFound, id), errors.ErrorTypeNotFound,
		"session not found", http.StatusNotFound)
}
