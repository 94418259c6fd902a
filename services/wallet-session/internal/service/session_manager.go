package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/metrics"
	"github.com/quangdang46/Course-Marketplace/shared/recovery"
)

// Handshaker is the authentication step the manager drives
type Handshaker interface {
	Authenticate(ctx context.Context, address domain.Address) (*domain.AuthResult, error)
}

// ManagerConfig tunes the session manager
type ManagerConfig struct {
	// AutoAuthenticate starts the handshake right after connecting when no
	// persisted token can be reused
	AutoAuthenticate bool
	// TokenTTL bounds a persisted token that carries no exp claim
	TokenTTL time.Duration
	// WatchRetryDelay is the first backoff step after a failed transfer
	// subscription
	WatchRetryDelay time.Duration
}

const (
	defaultWatchRetryDelay = 500 * time.Millisecond
	maxWatchRetryDelay     = 30 * time.Second
)

// authFlight is the handshake currently outstanding for one address
type authFlight struct {
	address domain.Address
	done    chan struct{}
	err     error
}

// SessionManager owns the wallet session. It is the only writer of session
// state; every async result is tagged with (address, generation) and dropped
// unless both still match when it lands.
type SessionManager struct {
	wallet  domain.WalletConnector
	chain   domain.ChainReader
	auth    Handshaker
	tokens  domain.TokenStore
	cfg     ManagerConfig
	logger  *logging.Logger
	metrics *metrics.Metrics
	panics  *recovery.PanicHandler

	ctx    context.Context
	cancel context.CancelFunc

	// storeMu serializes token store writes. mu may be taken while holding
	// it, never the reverse, and a reset never needs it.
	storeMu sync.Mutex

	mu           sync.Mutex
	state        domain.State
	address      domain.Address
	generation   uint64
	native       string
	token        string
	nativeStale  bool
	tokenStale   bool
	watchDown    bool
	nativeSeq    uint64
	nativeSeen   uint64
	tokenSeq     uint64
	tokenSeen    uint64
	sessionToken string
	tokenExp     *time.Time
	lastErr      *domain.SessionError
	updatedAt    time.Time
	flight       *authFlight
	stopWatch    func()
	stopAccounts func()
	subscribers  map[int]*subscriber
	nextSub      int
	closed       bool
}

func NewSessionManager(
	wallet domain.WalletConnector,
	chain domain.ChainReader,
	auth Handshaker,
	tokens domain.TokenStore,
	cfg ManagerConfig,
	logger *logging.Logger,
	m *metrics.Metrics,
) *SessionManager {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.WithField("component", "session_manager")

	sm := &SessionManager{
		wallet:      wallet,
		chain:       chain,
		auth:        auth,
		tokens:      tokens,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		state:       domain.StateDisconnected,
		native:      "0",
		token:       "0",
		updatedAt:   time.Now(),
		subscribers: make(map[int]*subscriber),
	}
	sm.panics = recovery.NewPanicHandler(
		recovery.WithLogger(logger),
		recovery.WithPanicCallback(func(interface{}, []byte) {
			if m != nil {
				m.PanicsRecovered.Inc()
			}
		}),
	)
	return sm
}

// Start subscribes to wallet account changes and adopts an account the wallet
// already exposes.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("session manager is closed")
	}
	if m.stopAccounts == nil {
		m.stopAccounts = m.wallet.OnAccountsChanged(m.handleAccountsChanged)
	}
	m.mu.Unlock()

	if addr, ok := m.wallet.CurrentAddress(); ok {
		if addr = domain.NormalizeAddress(addr); addr != "" {
			m.mu.Lock()
			if m.address == "" {
				m.adoptLocked(addr)
			}
			m.mu.Unlock()
		}
	}
	return ctx.Err()
}

// Close releases every subscription and abandons in-flight work
func (m *SessionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.generation++
	stopAccounts, stopWatch := m.stopAccounts, m.stopWatch
	m.stopAccounts, m.stopWatch = nil, nil
	subs := m.subscribers
	m.subscribers = make(map[int]*subscriber)
	m.mu.Unlock()

	if stopAccounts != nil {
		stopAccounts()
	}
	if stopWatch != nil {
		stopWatch()
	}
	for _, s := range subs {
		s.close()
	}
	m.cancel()
}

// Connect asks the wallet for an account. A wallet refusal surfaces as
// ConnectionRejected and leaves the session disconnected. Connecting while
// already connected returns the current snapshot.
func (m *SessionManager) Connect(ctx context.Context) (domain.Snapshot, error) {
	m.mu.Lock()
	if m.address != "" || m.state == domain.StateConnecting {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, nil
	}
	m.generation++
	gen := m.generation
	m.lastErr = nil
	m.setStateLocked(domain.StateConnecting)
	m.mu.Unlock()

	addr, err := m.wallet.Connect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		// a disconnect or account notification won the race
		return m.snapshotLocked(), nil
	}
	if err == nil {
		if addr = domain.NormalizeAddress(addr); addr == "" {
			err = domain.ErrInvalidAddress
		}
	}
	if err != nil {
		var typed *apperrors.Error
		if !errors.As(err, &typed) || typed.Type != apperrors.ErrorTypeConnectionRejected {
			err = apperrors.ConnectionRejected("wallet connection was rejected").WithCause(err)
		}
		m.lastErr = sessionError(err)
		m.setStateLocked(domain.StateDisconnected)
		m.logger.WithContext(ctx).WithError(err).Warn("wallet connection rejected")
		return m.snapshotLocked(), err
	}

	m.adoptLocked(addr)
	return m.snapshotLocked(), nil
}

// Disconnect resets the session unconditionally and forgets the persisted
// token of the address that was connected.
func (m *SessionManager) Disconnect(ctx context.Context) (domain.Snapshot, error) {
	m.mu.Lock()
	prev := m.address
	m.resetLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.forgetToken(ctx, prev)

	if err := m.wallet.Disconnect(ctx); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("wallet disconnect failed")
	}
	return snap, nil
}

// Refresh re-reads both balances of the current address
func (m *SessionManager) Refresh(_ context.Context) (domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.address == "" {
		return m.snapshotLocked(), domain.ErrNotConnected
	}
	m.readNativeLocked()
	m.readTokenLocked()
	return m.snapshotLocked(), nil
}

// Authenticate starts the handshake when the session is connected but not
// authenticated, or joins the one already running, and waits for it.
func (m *SessionManager) Authenticate(ctx context.Context) (domain.Snapshot, error) {
	m.mu.Lock()
	if m.address == "" {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, domain.ErrNotConnected
	}
	if m.state == domain.StateConnectedAuthenticated {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, nil
	}
	flight := m.flight
	if flight == nil {
		flight = m.startHandshakeLocked()
	}
	m.mu.Unlock()

	select {
	case <-flight.done:
	case <-ctx.Done():
		return m.Snapshot(), ctx.Err()
	}
	return m.Snapshot(), flight.err
}

// Snapshot returns a copy of the current session
func (m *SessionManager) Snapshot() domain.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe calls fn with the latest snapshot after every change. Deliveries
// to one subscriber are sequential and coalesced, so fn may call back into
// the manager.
func (m *SessionManager) Subscribe(fn func(domain.Snapshot)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	s := newSubscriber(fn, m.panics)
	m.subscribers[id] = s
	s.offer(m.snapshotLocked())
	if m.metrics != nil {
		m.metrics.Subscribers.Inc()
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			_, ok := m.subscribers[id]
			delete(m.subscribers, id)
			m.mu.Unlock()
			if ok {
				s.close()
				if m.metrics != nil {
					m.metrics.Subscribers.Dec()
				}
			}
		})
	}
}

// handleAccountsChanged applies a wallet notification. An empty address is
// a disconnect and always wins over pending work.
func (m *SessionManager) handleAccountsChanged(addr domain.Address) {
	addr = domain.NormalizeAddress(addr)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	prev := m.address
	switch {
	case addr == "":
		if prev == "" && m.state == domain.StateDisconnected {
			m.mu.Unlock()
			return
		}
		m.logger.WithField("previous", prev).Info("wallet reported no account, disconnecting")
		m.resetLocked()
	case addr == prev:
		m.mu.Unlock()
		return
	default:
		m.logger.WithFields(map[string]interface{}{"previous": prev, "address": addr}).Info("wallet account changed")
		m.adoptLocked(addr)
	}
	m.mu.Unlock()
	m.forgetToken(m.ctx, prev)
}

// forgetToken deletes the persisted token of a session that was just reset.
// The reset is already visible; this only waits for an in-flight save.
func (m *SessionManager) forgetToken(ctx context.Context, addr domain.Address) {
	if addr == "" {
		return
	}
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	m.deleteToken(ctx, addr)
}

// adoptLocked makes addr the current address and restarts the flow from scratch
func (m *SessionManager) adoptLocked(addr domain.Address) {
	m.clearLocked()
	m.generation++
	gen := m.generation
	m.lastErr = nil
	m.address = addr
	m.setStateLocked(domain.StateConnectedUnauthenticated)

	m.readNativeLocked()
	m.readTokenLocked()

	m.panics.Go("transfer_watch", func() { m.watchTransfers(addr, gen) })
	m.panics.Go("restore_token", func() { m.restoreOrAuthenticate(addr, gen) })
}

// resetLocked moves to disconnected, dropping everything tied to the old address
func (m *SessionManager) resetLocked() {
	m.clearLocked()
	m.generation++
	m.lastErr = nil
	m.setStateLocked(domain.StateDisconnected)
}

func (m *SessionManager) clearLocked() {
	if m.stopWatch != nil {
		stop := m.stopWatch
		m.stopWatch = nil
		m.panics.Go("stop_transfer_watch", stop)
	}
	m.address = ""
	m.native, m.token = "0", "0"
	m.nativeStale, m.tokenStale = false, false
	m.watchDown = false
	m.nativeSeen, m.tokenSeen = m.nativeSeq, m.tokenSeq
	m.sessionToken = ""
	m.tokenExp = nil
	m.flight = nil
}

func (m *SessionManager) currentLocked(addr domain.Address, gen uint64) bool {
	return !m.closed && m.address == addr && m.generation == gen
}

func (m *SessionManager) current(addr domain.Address, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(addr, gen)
}

func (m *SessionManager) stale(kind string) {
	if m.metrics != nil {
		m.metrics.StaleResults.WithLabelValues(kind).Inc()
	}
}

func (m *SessionManager) setStateLocked(to domain.State) {
	from := m.state
	m.state = to
	m.updatedAt = time.Now()
	if from != to && m.metrics != nil {
		m.metrics.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	m.publishLocked()
}

func (m *SessionManager) touchLocked() {
	m.updatedAt = time.Now()
	m.publishLocked()
}

func (m *SessionManager) publishLocked() {
	if len(m.subscribers) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for _, s := range m.subscribers {
		s.offer(snap)
	}
}

func (m *SessionManager) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		State:              m.state,
		Address:            m.address,
		IsConnected:        m.address != "",
		IsAuthenticated:    m.state == domain.StateConnectedAuthenticated,
		NativeBalance:      m.native,
		TokenBalance:       m.token,
		NativeBalanceStale: m.nativeStale,
		TokenBalanceStale:  m.tokenStale,
		SessionToken:       m.sessionToken,
		UpdatedAt:          m.updatedAt,
	}
	if m.tokenExp != nil {
		t := *m.tokenExp
		snap.TokenExpiresAt = &t
	}
	if m.lastErr != nil {
		e := *m.lastErr
		snap.LastError = &e
	}
	return snap
}

func sessionError(err error) *domain.SessionError {
	var typed *apperrors.Error
	if errors.As(err, &typed) {
		return &domain.SessionError{Kind: string(typed.Type), Message: typed.Message}
	}
	return &domain.SessionError{Kind: string(apperrors.ErrorTypeInternal), Message: err.Error()}
}

func (m *SessionManager) clearErrorLocked(kind apperrors.ErrorType) {
	if m.lastErr != nil && m.lastErr.Kind == string(kind) {
		m.lastErr = nil
	}
}
