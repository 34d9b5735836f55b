package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/wrale/copilot-auth-proxy/internal/deviceflow"
	"github.com/wrale/copilot-auth-proxy/internal/validation"
)

const (
	// DefaultLifetime bounds a flow session, covering the usual 15 minute
	// device code expiry plus slow_down stretching
	DefaultLifetime = 20 * time.Minute

	// Store writes from the flow goroutine get their own deadline
	storeTimeout = 5 * time.Second
)

// Runner executes one device flow; *deviceflow.Flow satisfies it
type Runner interface {
	Run(ctx context.Context, req deviceflow.Request, onProgress deviceflow.ProgressFunc) deviceflow.FlowResult
}

// Config holds manager settings
type Config struct {
	Runner        Runner
	Store         Store
	DeviceCodeURL string
	TokenURL      string
	Lifetime      time.Duration
	Logger        *log.Logger
}

// Manager starts device flows in the background and records their progress
type Manager struct {
	runner        Runner
	store         Store
	deviceCodeURL string
	tokenURL      string
	lifetime      time.Duration
	logger        *log.Logger
	now           func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a flow session manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Runner == nil {
		return nil, errors.New("flow runner is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}

	return &Manager{
		runner:        cfg.Runner,
		store:         cfg.Store,
		deviceCodeURL: cfg.DeviceCodeURL,
		tokenURL:      cfg.TokenURL,
		lifetime:      cfg.Lifetime,
		logger:        cfg.Logger,
		now:           time.Now,
		running:       make(map[string]context.CancelFunc),
	}, nil
}

// Start records a new session and runs its device flow in the background.
// The flow is detached from ctx and bounded by the manager lifetime instead.
func (m *Manager) Start(ctx context.Context, clientID, scope string) (*Record, error) {
	if clientID == "" {
		return nil, &validation.ValidationError{Field: "client_id", Message: "is required"}
	}

	now := m.now().UTC()
	rec := &Record{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Scope:     scope,
		Status:    deviceflow.StatusRequestingDeviceCode,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.lifetime),
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	flowCtx, cancel := context.WithDeadline(context.Background(), rec.ExpiresAt)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, errors.New("session manager is shut down")
	}
	m.running[rec.ID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(flowCtx, cancel, rec.Clone())

	m.logger.Info("flow session started", "session", rec.ID, "client_id", clientID)
	return rec, nil
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, rec *Record) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.running, rec.ID)
		m.mu.Unlock()
		cancel()
	}()

	req := deviceflow.Request{
		ClientID:      rec.ClientID,
		Scope:         rec.Scope,
		DeviceCodeURL: m.deviceCodeURL,
		TokenURL:      m.tokenURL,
	}

	result := m.runner.Run(ctx, req, func(ev deviceflow.ProgressEvent) {
		rec.Status = ev.Status
		rec.Events = append(rec.Events, ev)
		rec.UpdatedAt = m.now().UTC()
		m.save(rec)
	})

	rec.Result = &result
	rec.UpdatedAt = m.now().UTC()
	if !rec.Status.Terminal() {
		// A runner that ended without a terminal event still closes the session
		if result.Success {
			rec.Status = deviceflow.StatusComplete
		} else {
			rec.Status = deviceflow.StatusError
		}
	}
	m.save(rec)

	m.logger.Info("flow session finished", "session", rec.ID, "success", result.Success, "error_kind", result.ErrorKind)
}

func (m *Manager) save(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := m.store.Save(ctx, rec); err != nil {
		m.logger.Error("saving flow session", "session", rec.ID, "status", rec.Status, "error", err)
	}
}

// Get returns the current record for id. The tokens of a finished flow are
// returned once; the stored record keeps the outcome without them.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	m.redeem(ctx, rec)
	return rec, nil
}

// redeem drops the tokens from the stored copy of a finished record
func (m *Manager) redeem(ctx context.Context, rec *Record) {
	if !rec.Done() || rec.Result == nil || rec.Redeemed {
		return
	}

	stored := rec.Clone()
	stored.Result.AccessToken = ""
	stored.Result.Session = nil
	stored.Redeemed = true
	if err := m.store.Save(ctx, stored); err != nil {
		m.logger.Warn("dropping tokens from flow session", "session", rec.ID, "error", err)
	}
}

// Cancel stops the poll loop of a running session. Cancelling a finished
// session is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	cancel, ok := m.running[id]
	m.mu.Unlock()

	if ok {
		cancel()
		m.logger.Info("flow session cancelled", "session", id)
		return nil
	}

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	return nil
}

// Active returns the number of running flows
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// CheckHealth verifies the session store
func (m *Manager) CheckHealth(ctx context.Context) error {
	return m.store.CheckHealth(ctx)
}

// Shutdown cancels every running flow and waits for them to record their
// final state, or for ctx to end
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
