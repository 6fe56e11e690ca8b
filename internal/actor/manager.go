package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mattercrawl/engine/internal/analyzer"
	"github.com/mattercrawl/engine/internal/concurrency"
	"github.com/mattercrawl/engine/internal/config"
	"github.com/mattercrawl/engine/internal/coordinates"
	"github.com/mattercrawl/engine/internal/crawlerr"
	"github.com/mattercrawl/engine/internal/events"
	"github.com/mattercrawl/engine/internal/planner"
	"github.com/mattercrawl/engine/internal/repository"
	"github.com/mattercrawl/engine/internal/resumetoken"
	"github.com/mattercrawl/engine/internal/retrypolicy"
	"github.com/mattercrawl/engine/internal/telemetrylog"
)

// SessionInfo is the control surface's view of one session.
type SessionInfo struct {
	SessionID   string           `json:"session_id"`
	Status      Status           `json:"status"`
	Intent      planner.Intent   `json:"intent"`
	Strategy    planner.Strategy `json:"strategy"`
	ResumeToken string           `json:"resume_token,omitempty"`
}

// Manager owns every live session: it runs the pre-flight analysis, plans,
// spawns sessions, and routes control commands. One Manager per process.
type Manager struct {
	Config   *config.Config
	Checker  *analyzer.SiteStatusChecker
	Db       *analyzer.DbAnalyzer
	Lists    ListFetcher
	Details  DetailFetcher
	Repo     repository.Repository
	Bus      *events.Bus
	Tokens   *resumetoken.Store // optional cross-process token persistence
	Logger   *telemetrylog.Logger
	PlanOpts planner.Options
	// ValidationEnabled turns the data_validation stage on between detail
	// collection and persistence.
	ValidationEnabled bool

	mu       sync.Mutex
	sessions map[string]*Session
	intents  map[string]planner.Intent
}

// NewManager wires a Manager; sessions start empty.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		intents:  make(map[string]planner.Intent),
	}
}

// Start analyzes, plans, and launches a session for intent. It returns the
// new session id immediately; the session runs in its own goroutine.
func (m *Manager) Start(ctx context.Context, intent planner.Intent) (string, error) {
	if err := m.admit(); err != nil {
		return "", err
	}
	plan, digest, site, err := m.analyzeAndPlan(ctx, intent)
	if err != nil {
		return "", err
	}
	return m.launch(ctx, intent, plan, digest, site, 0)
}

// ResumeFromToken rehydrates a paused or failed session's plan position.
// The planner is re-run over current inputs; a digest mismatch yields a
// ReplanRequired event and an error instead of silently diverging.
func (m *Manager) ResumeFromToken(ctx context.Context, token string, intent planner.Intent) (string, error) {
	tok, err := resumetoken.Decode(token)
	if err != nil {
		return "", err
	}
	if err := m.admit(); err != nil {
		return "", err
	}
	plan, digest, site, err := m.analyzeAndPlan(ctx, intent)
	if err != nil {
		return "", err
	}
	if digest != tok.PlanDigest {
		m.Bus.Publish(ctx, events.Event{
			SessionID: tok.SessionID,
			Type:      events.SessionReplanRequired,
			Payload: map[string]any{
				"stored_digest": tok.PlanDigest, "current_digest": digest,
			},
		})
		return "", crawlerr.New("actor.ResumeFromToken", crawlerr.KindInconsistentState, crawlerr.ErrReplanRequired)
	}
	return m.launch(ctx, intent, plan, digest, site, tok.NextBatchIndex)
}

func (m *Manager) admit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := 0
	for _, s := range m.sessions {
		if !s.Status().IsTerminal() {
			live++
		}
	}
	if max := m.Config.System.MaxConcurrentSessions; max > 0 && live >= max {
		return fmt.Errorf("actor: %d sessions already running (limit %d)", live, max)
	}
	return nil
}

func (m *Manager) analyzeAndPlan(ctx context.Context, intent planner.Intent) (planner.ExecutionPlan, string, planner.SiteStatus, error) {
	site, siteErr := m.Checker.Check(ctx)
	if siteErr != nil {
		m.Logger.Warn("site analysis failed", telemetrylog.Fields{"error": siteErr.Error()})
	}
	var db planner.DbReport
	if site.IsAccessible {
		var err error
		db, err = m.Db.Analyze(ctx)
		if err != nil {
			return planner.ExecutionPlan{}, "", site, err
		}
	}
	plan, err := planner.Plan(intent, site, db, m.PlanOpts)
	if err != nil {
		return planner.ExecutionPlan{}, "", site, err
	}
	digest, err := resumetoken.DigestPlan(plan)
	if err != nil {
		return planner.ExecutionPlan{}, "", site, err
	}
	m.Bus.PublishKPI(events.KPILine{Kind: events.KPIPlan, SessionID: "", Payload: map[string]any{
		"intent": string(intent), "strategy": string(plan.Strategy),
		"target_pages": len(plan.TargetPages), "digest": digest,
	}})
	return plan, digest, site, nil
}

func (m *Manager) launch(ctx context.Context, intent planner.Intent, plan planner.ExecutionPlan, digest string, site planner.SiteStatus, startBatch int) (string, error) {
	id := uuid.NewString()

	govEvents := make(chan concurrency.Event, 64)
	governor := concurrency.New(m.Config.ConcurrencyLimits(), govEvents)
	bank := m.planAdjustedBank(plan)

	snapshot, err := json.Marshal(m.Config)
	if err != nil {
		return "", fmt.Errorf("actor: snapshotting config: %w", err)
	}

	sess := NewSession(m.Config.Channels.ControlBufferSize)
	sess.ID = id
	sess.Intent = intent
	sess.Plan = plan
	sess.PlanDigest = digest
	sess.StartBatchIndex = startBatch
	sess.Executor = &TaskExecutor{
		Lists:   m.Lists,
		Details: m.Details,
		Repo:    m.Repo,
		Site:    coordinates.Site{TotalPages: site.TotalPages, ItemsOnLastPage: site.ItemsOnLastPage},
	}
	sess.Governor = governor
	sess.GovEvents = govEvents
	sess.Bank = bank
	sess.Bus = m.Bus
	sess.Results = m.Repo
	sess.Logger = m.Logger
	sess.Config = SessionConfig{
		SessionTimeout:         m.Config.System.SessionTimeout(),
		CancellationGrace:      m.Config.System.CancellationTimeout(),
		ValidationEnabled:      m.ValidationEnabled,
		AbortOnValidationError: m.Config.System.AbortOnValidationError,
		AbortOnDatabaseError:   m.Config.System.AbortOnDatabaseError,
		ConfigSnapshot:         string(snapshot),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.intents[id] = intent
	m.mu.Unlock()

	go func() {
		result := sess.Run(context.WithoutCancel(ctx))
		if token := sess.ResumeToken(); token != "" && m.Tokens != nil {
			if tok, err := resumetoken.Decode(token); err == nil {
				if err := m.Tokens.Save(context.Background(), tok); err != nil {
					m.Logger.Warn("persisting resume token", telemetrylog.Fields{"error": err.Error()})
				}
			}
		}
		m.Logger.Info("session finished", telemetrylog.Fields{
			"session": id, "status": string(result.Status), "errors": result.ErrorsCount,
		})
	}()
	return id, nil
}

// planAdjustedBank applies the planner's error-rate derived retry budget to
// every stage the user did not explicitly tune. "Explicitly tuned" is
// detected against the shipped defaults: a max_attempts differing from the
// default is user intent and wins over the planner.
func (m *Manager) planAdjustedBank(plan planner.ExecutionPlan) retrypolicy.Bank {
	bank := m.Config.RetryBank()
	if plan.BatchConfig.MaxRetries <= 0 {
		return bank
	}
	defaults := config.Default().RetryPolicies
	adjustable := make(map[retrypolicy.Stage]bool)
	for name, rc := range m.Config.RetryPolicies {
		if def, ok := defaults[name]; ok && rc.MaxAttempts == def.MaxAttempts {
			adjustable[retrypolicy.Stage(name)] = true
		}
	}
	return bank.WithMaxAttempts(adjustable, plan.BatchConfig.MaxRetries)
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("actor: unknown session %s", id)
	}
	return s, nil
}

// Pause, Resume, and Cancel route control commands to a live session.
func (m *Manager) Pause(id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.Pause()
}

func (m *Manager) Resume(id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.Resume()
}

func (m *Manager) Cancel(id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.Cancel()
}

// Info reports one session's current state.
func (m *Manager) Info(id string) (SessionInfo, error) {
	s, err := m.session(id)
	if err != nil {
		return SessionInfo{}, err
	}
	m.mu.Lock()
	intent := m.intents[id]
	m.mu.Unlock()
	return SessionInfo{
		SessionID:   id,
		Status:      s.Status(),
		Intent:      intent,
		Strategy:    s.Plan.Strategy,
		ResumeToken: s.ResumeToken(),
	}, nil
}

// List reports every session the manager has seen this process.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		if info, err := m.Info(id); err == nil {
			out = append(out, info)
		}
	}
	return out
}
