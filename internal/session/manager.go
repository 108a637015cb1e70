package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bridgecore/relay/internal/agentdriver"
	"github.com/bridgecore/relay/internal/common/appctx"
	"github.com/bridgecore/relay/internal/common/constants"
	"github.com/bridgecore/relay/internal/common/logger"
	"github.com/bridgecore/relay/internal/store"
	"github.com/bridgecore/relay/internal/streamctl"
)

// ManagerOptions carries the Session Manager's timing knobs, each sourced
// from config.SessionConfig/PermissionConfig at wiring time. It is a plain
// struct (not *config.Config) so this package never imports config,
// matching the dependency-inversion pattern pkg/protocol and agentdriver
// already establish for their own small enums.
type ManagerOptions struct {
	DefaultPermissionMode agentdriver.PermissionMode

	ResumeWindow   time.Duration
	IdleLimit      time.Duration
	IdleGrace      time.Duration
	ReaperInterval time.Duration

	ToolPermissionTimeout     time.Duration
	PlanPermissionTimeout     time.Duration
	QuestionPermissionTimeout time.Duration

	// ClearPurgesMessages makes clear_session delete the StoredMessage log
	// as well as detaching the agent conversation. Off by default:
	// clear_session detaches only.
	ClearPurgesMessages bool
}

// withDefaults fills any zero-valued duration with the package default, so a
// caller that only overrides a couple of fields doesn't silently disable the
// others.
func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.ResumeWindow == 0 {
		o.ResumeWindow = constants.DefaultResumeWindow
	}
	if o.IdleLimit == 0 {
		o.IdleLimit = constants.DefaultIdleLimit
	}
	if o.IdleGrace == 0 {
		o.IdleGrace = constants.DefaultIdleGrace
	}
	if o.ReaperInterval == 0 {
		o.ReaperInterval = constants.DefaultIdleReaperInterval
	}
	if o.ToolPermissionTimeout == 0 {
		o.ToolPermissionTimeout = constants.DefaultToolPermissionTimeout
	}
	if o.PlanPermissionTimeout == 0 {
		o.PlanPermissionTimeout = constants.DefaultPlanPermissionTimeout
	}
	if o.QuestionPermissionTimeout == 0 {
		o.QuestionPermissionTimeout = constants.DefaultQuestionPermissionTimeout
	}
	if o.DefaultPermissionMode == "" {
		o.DefaultPermissionMode = agentdriver.PermissionModePlan
	}
	return o
}

// Manager owns every live Session, resolves the resume decision on
// handshake, and runs the idle reaper and the graceful shutdown sweep.
type Manager struct {
	store         *store.Store
	streamCtl     *streamctl.Controller
	driverFactory agentdriver.Factory
	log           *logger.Logger
	opts          ManagerOptions

	mu       sync.Mutex
	sessions map[string]*Session // by session id
	byTab    map[string]string   // tab id -> session id, open sessions only

	resumeGroup singleflight.Group

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// NewManager constructs a Session Manager and starts its idle reaper.
func NewManager(st *store.Store, streamCtl *streamctl.Controller, driverFactory agentdriver.Factory, log *logger.Logger, opts ManagerOptions) *Manager {
	m := &Manager{
		store:         st,
		streamCtl:     streamCtl,
		driverFactory: driverFactory,
		log:           log.WithFields(zap.String("component", "session_manager")),
		opts:          opts.withDefaults(),
		sessions:      make(map[string]*Session),
		byTab:         make(map[string]string),
		reaperStop:    make(chan struct{}),
		reaperDone:    make(chan struct{}),
	}
	go m.runReaper()
	return m
}

// HandshakeResult is what the Transport Endpoint needs to build a
// handshake_ack frame.
type HandshakeResult struct {
	Session             *Session
	Resumed             bool
	AgentConversationID string
}

// Handshake implements the resume decision:
//  1. an open Session for the same tab id rebinds its transport;
//  2. otherwise the most recent Session for (project_root, page_url)
//     within the resume window with a known agent-conversation id resumes;
//  3. otherwise a fresh Session is created with no agent-conversation id;
//     the driver assigns one on the Session's first run.
func (m *Manager) Handshake(ctx context.Context, tabID, projectRoot, pageURL string, mode agentdriver.PermissionMode, sink Sink) (*HandshakeResult, error) {
	if sess := m.openSessionForTab(tabID); sess != nil {
		sess.Attach(sink)
		sess.touchActivity(ctx)
		return &HandshakeResult{Session: sess, Resumed: true, AgentConversationID: sess.snapshot().agentConversationID}, nil
	}

	// singleflight collapses a burst of reconnect handshakes racing for the
	// same (project_root, page_url) resume candidate into one Store query.
	key := projectRoot + "\x00" + pageURL
	v, err, _ := m.resumeGroup.Do(key, func() (any, error) {
		return m.store.FindResumeCandidate(ctx, projectRoot, pageURL, m.opts.ResumeWindow, time.Now().UTC())
	})

	var row *store.SessionRow
	if err == nil {
		row = v.(*store.SessionRow)
	} else if err != store.ErrSessionNotFound {
		return nil, err
	}

	if row != nil {
		sess := m.resumeSession(row, tabID, mode, sink)
		return &HandshakeResult{Session: sess, Resumed: true, AgentConversationID: row.AgentConversationID.String}, nil
	}

	sess, err := m.newSession(ctx, tabID, projectRoot, pageURL, mode, sink)
	if err != nil {
		return nil, err
	}
	return &HandshakeResult{Session: sess, Resumed: false}, nil
}

func (m *Manager) openSessionForTab(tabID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byTab[tabID]; ok {
		return m.sessions[id]
	}
	return nil
}

func (m *Manager) newSession(ctx context.Context, tabID, projectRoot, pageURL string, mode agentdriver.PermissionMode, sink Sink) (*Session, error) {
	now := time.Now().UTC()
	sess := m.build(uuid.New().String(), projectRoot, tabID, pageURL, mode, sink)
	sess.createdAt = now
	sess.lastActivity = now

	if err := m.store.CreateSession(ctx, &store.SessionRow{
		SessionID:      sess.ID,
		ProjectRoot:    projectRoot,
		TabID:          tabID,
		PageURL:        pageURL,
		PermissionMode: string(mode),
		Status:         string(StatusActive),
		CreatedAt:      now,
		LastActivity:   now,
	}); err != nil {
		return nil, err
	}

	m.register(sess)
	return sess, nil
}

func (m *Manager) resumeSession(row *store.SessionRow, tabID string, mode agentdriver.PermissionMode, sink Sink) *Session {
	sess := m.build(row.SessionID, row.ProjectRoot, tabID, row.PageURL, mode, sink)
	sess.createdAt = row.CreatedAt
	sess.lastActivity = row.LastActivity
	if row.AgentConversationID.Valid {
		sess.agentConversationID = row.AgentConversationID.String
	}

	m.register(sess)
	return sess
}

func (m *Manager) build(id, projectRoot, tabID, pageURL string, mode agentdriver.PermissionMode, sink Sink) *Session {
	return &Session{
		ID:             id,
		ProjectRoot:    projectRoot,
		TabID:          tabID,
		pageURL:        pageURL,
		permissionMode: mode,
		status:         StatusActive,
		store:          m.store,
		streamCtl:      m.streamCtl,
		driver:         m.driverFactory(),
		driverFactory:  m.driverFactory,
		opts:           m.opts,
		sink:           sink,
		log:            m.log.WithSessionID(id),
	}
}

func (m *Manager) register(sess *Session) {
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.byTab[sess.TabID] = sess.ID
	m.mu.Unlock()
}

// Get returns a live Session by id, for REST lookups and the switch-sdk-session endpoint.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Count returns the number of live in-memory Sessions, for /health.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// runReaper sweeps every live Session on ReaperInterval, marking sessions
// idle after IdleLimit of inactivity and closing them after IdleGrace more.
func (m *Manager) runReaper() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.opts.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.reaperStop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	// Status writes from the sweep outlive no request; bound them and abort
	// them if shutdown begins mid-sweep.
	ctx, cancel := appctx.Detached(context.Background(), m.reaperStop, 30*time.Second)
	defer cancel()
	now := time.Now().UTC()

	m.mu.Lock()
	var live []*Session
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		snap := s.snapshot()
		s.mu.Lock()
		last := s.lastActivity
		s.mu.Unlock()

		switch {
		case snap.status == StatusActive && now.Sub(last) >= m.opts.IdleLimit:
			s.mu.Lock()
			s.status = StatusIdle
			s.mu.Unlock()
			_ = m.store.SetStatus(ctx, s.ID, store.StatusIdle)
			m.log.Info("session idle", zap.String("session_id", s.ID))

		case snap.status == StatusIdle && now.Sub(last) >= m.opts.IdleLimit+m.opts.IdleGrace:
			m.closeSession(ctx, s)
		}
	}
}

func (m *Manager) closeSession(ctx context.Context, s *Session) {
	s.mu.Lock()
	s.status = StatusClosed
	s.closed = true
	s.mu.Unlock()

	m.streamCtl.CancelAllForSession(s.ID, streamctl.CauseShutdown)
	_ = m.store.SetStatus(ctx, s.ID, store.StatusClosed)

	m.mu.Lock()
	delete(m.sessions, s.ID)
	if m.byTab[s.TabID] == s.ID {
		delete(m.byTab, s.TabID)
	}
	m.mu.Unlock()

	m.log.Info("session closed by idle reaper", zap.String("session_id", s.ID))
}

// Shutdown cancels every live Stream across every Session, awaits drivers'
// termination within constants.ShutdownDeadline, and stops the idle
// reaper. It does not wait beyond that deadline.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.reaperStop)
	m.streamCtl.CancelAll(streamctl.CauseShutdown)

	waitCtx, cancel := context.WithTimeout(ctx, constants.ShutdownDeadline)
	defer cancel()
	m.streamCtl.AwaitAll(waitCtx)

	select {
	case <-m.reaperDone:
	case <-waitCtx.Done():
	}
}
