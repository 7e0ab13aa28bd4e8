// Package sessions caches logged-in bibkat clients per account.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"bibkat-backend/internal/accounts"
	"bibkat-backend/internal/components/assert"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/kvstore"
	"bibkat-backend/internal/components/pacing"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/scrapers/bibkat"
	"bibkat-backend/lib/restyutil"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mazen160/go-random"
)

const (
	report_manager_login   = "manager.login"
	report_manager_persist = "manager.persist"
)

const (
	storeKey       = "sessions"
	DefaultTimeout = time.Hour
	maxSessions    = 256
)

type Session struct {
	Id        string
	AccountId string
	Username  string
	Client    *bibkat.Client
	CreatedAt time.Time
}

// Metadata is what is persisted about a session. Sessions themselves are never restored, a
// restarted process always logs in again.
type Metadata struct {
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type Options struct {
	// Timeout is how long a session is reused, defaults to DefaultTimeout.
	Timeout time.Duration
	// Probe validates a cached session with a request before reusing it.
	Probe bool
	// RequestTimeout and RequestsPerSecond are passed to every client.
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Dump              *restyutil.Dumper

	Store *kvstore.Store
	Time  chrono.TimeAPI
	Pacer pacing.Pacer
	Tel   telemetry.API
}

type Manager struct {
	opts Options
	tel  telemetry.API

	mutex    sync.Mutex
	cache    *expirable.LRU[string, *Session]
	metadata map[string]Metadata
}

func NewManager(opts Options) *Manager {
	assert.NotNil(opts.Store)
	assert.NotNil(opts.Time)
	assert.NotNil(opts.Pacer)
	assert.NotNil(opts.Tel)

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	m := &Manager{
		opts:     opts,
		tel:      telemetry.NewScopedAPI("sessions", opts.Tel),
		metadata: map[string]Metadata{},
	}
	// evicted sessions, expired or invalidated, release their connection pool
	m.cache = expirable.NewLRU[string, *Session](maxSessions, func(_ string, session *Session) {
		session.Client.Close()
	}, opts.Timeout)
	return m
}

func (m *Manager) expired(session *Session) bool {
	return m.opts.Time.Now().Sub(session.CreatedAt) >= m.opts.Timeout
}

// Get returns a logged-in session for the account, reusing a cached one while it is younger than
// the timeout and, if probing is enabled, still accepted by the site.
func (m *Manager) Get(ctx context.Context, account accounts.Account) (*Session, error) {
	id := account.Id()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	cached, hit := m.cache.Get(id)
	if hit {
		if !m.expired(cached) && (!m.opts.Probe || cached.Client.Validate(ctx)) {
			return cached, nil
		}
		m.tel.ReportDebug("session no longer valid", id)
		m.remove(id)
	}

	client, err := bibkat.NewClient(bibkat.ClientOptions{
		BaseUrl:           account.LibraryUrl,
		Timeout:           m.opts.RequestTimeout,
		RequestsPerSecond: m.opts.RequestsPerSecond,
		Dump:              m.opts.Dump,
		Time:              m.opts.Time,
		Pacer:             m.opts.Pacer,
		Tel:               m.opts.Tel,
	})
	if err != nil {
		return nil, err
	}
	err = client.Login(ctx, account.Username, account.Password)
	if err != nil {
		client.Close()
		m.tel.ReportWarning(report_manager_login, err, id)
		return nil, err
	}

	sessionId, err := random.String(12)
	if err != nil {
		client.Close()
		return nil, err
	}
	session := &Session{
		Id:        sessionId,
		AccountId: id,
		Username:  account.Username,
		Client:    client,
		CreatedAt: m.opts.Time.Now(),
	}
	m.cache.Add(id, session)
	m.metadata[id] = Metadata{Username: account.Username, CreatedAt: session.CreatedAt}
	m.persist()
	return session, nil
}

// remove must be called with the mutex held.
func (m *Manager) remove(accountId string) {
	m.cache.Remove(accountId)
	delete(m.metadata, accountId)
}

func (m *Manager) persist() {
	err := m.opts.Store.Save(storeKey, m.metadata)
	if err != nil {
		m.tel.ReportWarning(report_manager_persist, err)
	}
}

// Invalidate drops the session of an account, the next Get logs in again.
func (m *Manager) Invalidate(accountId string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.remove(accountId)
	m.persist()
}

// Close invalidates every session.
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.cache.Purge()
	m.metadata = map[string]Metadata{}
	m.persist()
}

// Len returns the number of cached sessions.
func (m *Manager) Len() int {
	return m.cache.Len()
}

// LoadMetadata reads the persisted session metadata.
func (m *Manager) LoadMetadata() (map[string]Metadata, error) {
	var out map[string]Metadata
	err := m.opts.Store.Load(storeKey, &out)
	if errors.Is(err, kvstore.ErrNotFound) {
		return map[string]Metadata{}, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
