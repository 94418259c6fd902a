package service

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/recovery"
	"github.com/quangdang46/Course-Marketplace/shared/resilience"
)

func (m *SessionManager) readNativeLocked() {
	addr, gen := m.address, m.generation
	m.nativeSeq++
	seq := m.nativeSeq

	m.panics.Go("native_balance", func() {
		v, err := m.chain.NativeBalance(m.ctx, addr)

		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.currentLocked(addr, gen) || seq <= m.nativeSeen {
			m.stale("native_balance")
			return
		}
		m.nativeSeen = seq
		if err != nil {
			m.nativeStale = true
			m.lastErr = sessionError(asBalanceError(err, "native", addr))
			m.logger.WithError(err).WithField("address", addr).Warn("native balance read failed")
			m.touchLocked()
			return
		}
		m.native = domain.FormatUnits(v, domain.NativeDecimals)
		m.nativeStale = false
		if !m.tokenStale {
			m.clearErrorLocked(apperrors.ErrorTypeBalanceReadFailed)
		}
		m.touchLocked()
	})
}

func (m *SessionManager) readTokenLocked() {
	addr, gen := m.address, m.generation
	m.tokenSeq++
	seq := m.tokenSeq

	m.panics.Go("token_balance", func() {
		var formatted string
		decimals, err := m.chain.TokenDecimals(m.ctx)
		if err == nil {
			v, berr := m.chain.TokenBalance(m.ctx, addr)
			err = berr
			formatted = domain.FormatUnits(v, decimals)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.currentLocked(addr, gen) || seq <= m.tokenSeen {
			m.stale("token_balance")
			return
		}
		m.tokenSeen = seq
		if err != nil {
			m.tokenStale = true
			m.lastErr = sessionError(asBalanceError(err, "token", addr))
			m.logger.WithError(err).WithField("address", addr).Warn("token balance read failed")
			m.touchLocked()
			return
		}
		m.token = formatted
		m.tokenStale = m.watchDown
		if !m.nativeStale && !m.watchDown {
			m.clearErrorLocked(apperrors.ErrorTypeBalanceReadFailed)
		}
		m.touchLocked()
	})
}

func asBalanceError(err error, kind string, addr domain.Address) error {
	if apperrors.IsType(err, apperrors.ErrorTypeBalanceReadFailed) {
		return err
	}
	return apperrors.BalanceReadFailed(kind, addr).WithCause(err)
}

// watchTransfers refreshes the token balance whenever a Transfer names addr.
// A failed subscription is retried with backoff for as long as addr and gen
// stay current; the token balance is flagged stale meanwhile.
func (m *SessionManager) watchTransfers(addr domain.Address, gen uint64) {
	delay := m.cfg.WatchRetryDelay
	if delay <= 0 {
		delay = defaultWatchRetryDelay
	}
	cfg := &resilience.RetryConfig{
		MaxAttempts:     math.MaxInt32,
		InitialDelay:    delay,
		MaxDelay:        maxWatchRetryDelay,
		BackoffFactor:   2.0,
		JitterFraction:  0.1,
		RetryableErrors: func(error) bool { return m.current(addr, gen) },
		OnRetry: func(attempt int, err error) {
			m.logger.WithError(err).WithField("address", addr).Debugf("retrying transfer watch, attempt %d", attempt)
		},
	}

	err := resilience.RetryWithConfig(m.ctx, cfg, func(ctx context.Context) error {
		if !m.current(addr, gen) {
			return domain.ErrSessionSuperseded
		}
		stop, err := m.chain.WatchTransfers(ctx, addr, func(ev domain.TransferEvent) {
			m.onTransfer(addr, gen, ev)
		})
		if err != nil {
			m.watchFailed(addr, gen, err)
			return err
		}
		m.watchStarted(addr, gen, stop)
		return nil
	})
	if err != nil && m.ctx.Err() == nil && m.current(addr, gen) {
		m.logger.WithError(err).WithField("address", addr).Warn("gave up watching token transfers")
	}
}

func (m *SessionManager) watchFailed(addr domain.Address, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(addr, gen) {
		return
	}
	if !m.watchDown {
		m.logger.WithError(err).WithField("address", addr).Warn("failed to watch token transfers")
	}
	m.watchDown = true
	m.tokenStale = true
	m.lastErr = sessionError(asBalanceError(err, "token", addr))
	m.touchLocked()
}

func (m *SessionManager) watchStarted(addr domain.Address, gen uint64, stop func()) {
	m.mu.Lock()
	if !m.currentLocked(addr, gen) {
		m.mu.Unlock()
		stop()
		return
	}
	m.stopWatch = stop
	if m.watchDown {
		// events may have been missed while the subscription was down
		m.watchDown = false
		m.logger.WithField("address", addr).Info("token transfer watch recovered")
		m.readTokenLocked()
	}
	m.mu.Unlock()
}

func (m *SessionManager) onTransfer(addr domain.Address, gen uint64, ev domain.TransferEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(addr, gen) {
		m.stale("transfer_event")
		return
	}
	if ev.From != addr && ev.To != addr {
		return
	}
	if m.metrics != nil {
		m.metrics.TransferEvents.Inc()
	}
	m.logger.WithFields(map[string]interface{}{
		"address": addr,
		"tx_hash": ev.TxHash,
		"block":   ev.BlockNumber,
	}).Debug("token transfer observed, refreshing balance")
	m.readTokenLocked()
}

// restoreOrAuthenticate reuses a persisted unexpired token for addr, or
// starts the handshake when configured to. Store I/O runs without mu, so a
// reset never waits on it; the result is dropped if addr and gen moved on.
func (m *SessionManager) restoreOrAuthenticate(addr domain.Address, gen uint64) {
	var token string
	var exp *time.Time
	if m.tokens != nil && m.current(addr, gen) {
		t, err := m.tokens.LoadToken(m.ctx, addr)
		if err != nil {
			m.logger.WithError(err).WithField("address", addr).Warn("failed to load persisted session token")
		}
		if t != "" {
			exp = TokenExpiry(t)
			if exp != nil && !exp.After(time.Now()) {
				m.dropExpiredToken(addr, gen)
			} else {
				token = t
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(addr, gen) {
		m.stale("token_restore")
		return
	}
	if m.flight != nil || m.state != domain.StateConnectedUnauthenticated {
		return
	}

	if token != "" {
		m.sessionToken = token
		m.tokenExp = exp
		m.setStateLocked(domain.StateConnectedAuthenticated)
		m.logger.WithField("address", addr).Info("reusing persisted session token")
		return
	}
	if m.cfg.AutoAuthenticate {
		m.startHandshakeLocked()
	}
}

// dropExpiredToken deletes the expired token of addr. It runs before this
// generation can start a handshake, so it never races a fresh save.
func (m *SessionManager) dropExpiredToken(addr domain.Address, gen uint64) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	if !m.current(addr, gen) {
		return
	}
	m.deleteToken(m.ctx, addr)
}

// startHandshakeLocked launches the one handshake allowed for the current
// address and generation.
func (m *SessionManager) startHandshakeLocked() *authFlight {
	addr, gen := m.address, m.generation
	f := &authFlight{address: addr, done: make(chan struct{})}
	m.flight = f
	m.clearErrorLocked(apperrors.ErrorTypeAuthenticationFailed)
	m.setStateLocked(domain.StateAuthenticating)

	m.panics.Go("handshake", func() {
		f.err = domain.ErrSessionSuperseded
		defer close(f.done)

		ctx := logging.WithCorrelationID(m.ctx, logging.GenerateCorrelationID())
		res, err := m.auth.Authenticate(ctx, addr)

		m.mu.Lock()
		if !m.currentLocked(addr, gen) || m.flight != f {
			m.mu.Unlock()
			m.stale("handshake")
			if err != nil {
				f.err = err
			}
			return
		}
		m.flight = nil

		if err == nil {
			switch {
			case res == nil || res.Token == "":
				err = apperrors.AuthenticationFailed(StepToken, addr).WithCause(domain.ErrEmptyToken)
			case domain.NormalizeAddress(res.Address) != addr:
				err = apperrors.AuthenticationFailed(StepVerify, addr).WithCause(domain.ErrAddressMismatch)
			}
		}
		if err != nil {
			if !apperrors.IsType(err, apperrors.ErrorTypeAuthenticationFailed) {
				err = apperrors.AuthenticationFailed("handshake", addr).WithCause(err)
			}
			f.err = err
			m.lastErr = sessionError(err)
			m.setStateLocked(domain.StateConnectedUnauthenticated)
			m.mu.Unlock()
			return
		}

		m.sessionToken = res.Token
		m.tokenExp = res.ExpiresAt
		m.setStateLocked(domain.StateConnectedAuthenticated)
		m.mu.Unlock()
		f.err = nil

		m.saveToken(addr, gen, res.Token, res.ExpiresAt)
	})
	return f
}

// saveToken persists the token issued to addr for generation gen. When gen
// is superseded while the write is in flight the token is deleted again.
// Close does not count: a closed manager leaves its token for the next run.
func (m *SessionManager) saveToken(addr domain.Address, gen uint64, token string, exp *time.Time) {
	if m.tokens == nil {
		return
	}
	ttl := m.cfg.TokenTTL
	if exp != nil {
		if ttl = time.Until(*exp); ttl <= 0 {
			return
		}
	}

	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	if !m.current(addr, gen) {
		m.stale("token_persist")
		return
	}
	if err := m.tokens.SaveToken(m.ctx, addr, token, ttl); err != nil {
		m.logger.WithError(err).WithField("address", addr).Warn("failed to persist session token")
		return
	}
	m.mu.Lock()
	superseded := !m.closed && !m.currentLocked(addr, gen)
	m.mu.Unlock()
	if superseded {
		m.stale("token_persist")
		m.deleteToken(m.ctx, addr)
	}
}

func (m *SessionManager) deleteToken(ctx context.Context, addr domain.Address) {
	if m.tokens == nil {
		return
	}
	if err := m.tokens.DeleteToken(context.WithoutCancel(ctx), addr); err != nil {
		m.logger.WithError(err).WithField("address", addr).Warn("failed to delete persisted session token")
	}
}

// subscriber delivers snapshots to one callback in order, keeping only the
// newest pending one.
type subscriber struct {
	fn        func(domain.Snapshot)
	mu        sync.Mutex
	pending   *domain.Snapshot
	wake      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(fn func(domain.Snapshot), panics *recovery.PanicHandler) *subscriber {
	s := &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	panics.Go("snapshot_subscriber", s.run)
	return s
}

func (s *subscriber) offer(snap domain.Snapshot) {
	s.mu.Lock()
	s.pending = &snap
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
			s.mu.Lock()
			p := s.pending
			s.pending = nil
			s.mu.Unlock()
			if p != nil {
				s.fn(*p)
			}
		}
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.quit) })
}
