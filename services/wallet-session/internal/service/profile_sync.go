package service

import (
	"context"
	"io"
	"sync"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/metrics"
	"github.com/quangdang46/Course-Marketplace/shared/recovery"
)

// SessionReader is the read side of the session manager
type SessionReader interface {
	Snapshot() domain.Snapshot
	Subscribe(fn func(domain.Snapshot)) func()
}

// AvatarPreparer rewrites an avatar before it is uploaded
type AvatarPreparer interface {
	PrepareAvatar(ctx context.Context, r io.Reader) (io.Reader, error)
}

// ProfileSync keeps the off-chain profile of the connected address. It
// follows session snapshots and fetches once per (address, token). Local
// edits are replayed over every fetched or cached profile of the same
// address, so they are never lost to a load that was already in flight.
type ProfileSync struct {
	session SessionReader
	api     domain.ProfileAPI
	cache   domain.ProfileCache
	avatars AvatarPreparer
	logger  *logging.Logger
	metrics *metrics.Metrics
	panics  *recovery.PanicHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	address     domain.Address
	token       string
	generation  uint64
	profile     *domain.Profile
	fetched     bool
	edits       domain.ProfileUpdate
	unsubscribe func()
}

func NewProfileSync(
	session SessionReader,
	api domain.ProfileAPI,
	cache domain.ProfileCache,
	avatars AvatarPreparer,
	logger *logging.Logger,
	m *metrics.Metrics,
) *ProfileSync {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithField("component", "profile_sync")
	ctx, cancel := context.WithCancel(context.Background())
	return &ProfileSync{
		session: session,
		api:     api,
		cache:   cache,
		avatars: avatars,
		logger:  logger,
		metrics: m,
		panics:  recovery.NewPanicHandler(recovery.WithLogger(logger)),
		ctx:     ctx,
		cancel:  cancel,
		profile: domain.DefaultProfile(""),
	}
}

// Start follows the session until Close
func (p *ProfileSync) Start() {
	p.mu.Lock()
	if p.unsubscribe != nil {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	unsubscribe := p.session.Subscribe(p.onSnapshot)

	p.mu.Lock()
	p.unsubscribe = unsubscribe
	p.mu.Unlock()
}

func (p *ProfileSync) Close() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.generation++
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	p.cancel()
}

// Profile returns a copy of the current profile
func (p *ProfileSync) Profile() *domain.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyProfile(p.profile)
}

func (p *ProfileSync) onSnapshot(snap domain.Snapshot) {
	addr := domain.NormalizeAddress(snap.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	if addr == "" {
		if p.address != "" || p.token != "" {
			p.logger.Debug("session disconnected, resetting profile")
		}
		p.generation++
		p.address, p.token, p.fetched = "", "", false
		p.edits = domain.ProfileUpdate{}
		p.profile = domain.DefaultProfile("")
		return
	}

	if addr != p.address {
		p.generation++
		p.address, p.token, p.fetched = addr, "", false
		p.edits = domain.ProfileUpdate{}
		p.profile = domain.DefaultProfile(addr)
		gen := p.generation
		p.panics.Go("profile_cache_load", func() { p.loadCached(addr, gen) })
	}

	switch {
	case snap.SessionToken == "":
		p.token = ""
	case snap.SessionToken != p.token:
		p.token = snap.SessionToken
		gen, token := p.generation, p.token
		p.panics.Go("profile_fetch", func() { p.fetch(addr, token, gen) })
	}
}

func (p *ProfileSync) currentLocked(addr domain.Address, gen uint64) bool {
	return p.address == addr && p.generation == gen
}

func (p *ProfileSync) stale() {
	if p.metrics != nil {
		p.metrics.StaleResults.WithLabelValues("profile").Inc()
	}
}

func (p *ProfileSync) loadCached(addr domain.Address, gen uint64) {
	if p.cache == nil {
		return
	}
	cached, err := p.cache.LoadProfile(p.ctx, addr)
	if err != nil {
		p.logger.WithError(err).WithField("address", addr).Warn("failed to load cached profile")
		return
	}
	if cached == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// a backend result always beats the cache
	if !p.currentLocked(addr, gen) || p.fetched {
		return
	}
	cached.Address = addr
	applyUpdate(cached, p.edits)
	p.profile = cached
}

func (p *ProfileSync) fetch(addr domain.Address, token string, gen uint64) {
	prof, err := p.api.FetchProfile(p.ctx, addr, token)

	p.mu.Lock()
	if !p.currentLocked(addr, gen) || p.token != token {
		p.mu.Unlock()
		p.stale()
		p.logger.WithField("address", addr).Debug("discarding profile for a previous session")
		return
	}
	if err != nil {
		p.mu.Unlock()
		p.logger.WithError(err).WithField("address", addr).Warn("failed to fetch profile")
		return
	}
	prof.Address = addr
	fillDefaults(prof)
	applyUpdate(prof, p.edits)
	p.profile = prof
	p.fetched = true
	saved := copyProfile(prof)
	p.mu.Unlock()

	p.persist(saved)
}

// UpdateProfile edits the local profile of the connected address. Nil fields
// are left unchanged.
func (p *ProfileSync) UpdateProfile(ctx context.Context, upd domain.ProfileUpdate) (*domain.Profile, error) {
	p.mu.Lock()
	if p.address == "" {
		p.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	mergeUpdate(&p.edits, upd)
	prof := p.profile
	applyUpdate(prof, upd)
	out := copyProfile(prof)
	p.mu.Unlock()

	p.persistCtx(ctx, out)
	return copyProfile(out), nil
}

// UploadAvatar uploads r as the avatar of the connected, authenticated
// address and records the resulting file on the profile.
func (p *ProfileSync) UploadAvatar(ctx context.Context, filename string, r io.Reader) (*domain.Profile, error) {
	if r == nil {
		return nil, apperrors.InvalidInput("file", domain.ErrNoFile.Error()).WithCause(domain.ErrNoFile)
	}

	p.mu.Lock()
	addr, token, gen := p.address, p.token, p.generation
	p.mu.Unlock()
	if addr == "" {
		return nil, domain.ErrNotConnected
	}
	if token == "" {
		return nil, apperrors.Unauthorized("authentication required to upload an avatar")
	}

	body := r
	if p.avatars != nil {
		prepared, err := p.avatars.PrepareAvatar(ctx, r)
		if err != nil {
			return nil, apperrors.InvalidInput("file", err.Error()).WithCause(err)
		}
		body = prepared
	}

	res, err := p.api.Upload(ctx, token, filename, body)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if !p.currentLocked(addr, gen) {
		p.mu.Unlock()
		p.stale()
		return nil, domain.ErrSessionSuperseded
	}
	upd := domain.ProfileUpdate{
		Avatar: &domain.FileInfo{
			ID:       res.FileID,
			Size:     res.Size,
			Mimetype: res.Mimetype,
			Title:    filename,
		},
		AvatarURL: &res.URL,
	}
	mergeUpdate(&p.edits, upd)
	applyUpdate(p.profile, upd)
	out := copyProfile(p.profile)
	p.mu.Unlock()

	p.persistCtx(ctx, out)
	return copyProfile(out), nil
}

func (p *ProfileSync) persist(prof *domain.Profile) {
	p.persistCtx(p.ctx, prof)
}

func (p *ProfileSync) persistCtx(ctx context.Context, prof *domain.Profile) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SaveProfile(context.WithoutCancel(ctx), prof); err != nil {
		p.logger.WithError(err).WithField("address", prof.Address).Warn("failed to cache profile")
	}
}

// applyUpdate writes the non-nil fields of upd onto prof
func applyUpdate(prof *domain.Profile, upd domain.ProfileUpdate) {
	if upd.Username != nil {
		prof.Username = *upd.Username
	}
	if upd.Title != nil {
		prof.Title = *upd.Title
	}
	if upd.Description != nil {
		prof.Description = *upd.Description
	}
	if upd.Avatar != nil {
		a := *upd.Avatar
		prof.Avatar = &a
	}
	if upd.AvatarURL != nil {
		prof.AvatarURL = *upd.AvatarURL
	}
}

// mergeUpdate folds upd into dst, later fields winning
func mergeUpdate(dst *domain.ProfileUpdate, upd domain.ProfileUpdate) {
	if upd.Username != nil {
		v := *upd.Username
		dst.Username = &v
	}
	if upd.Title != nil {
		v := *upd.Title
		dst.Title = &v
	}
	if upd.Description != nil {
		v := *upd.Description
		dst.Description = &v
	}
	if upd.Avatar != nil {
		v := *upd.Avatar
		dst.Avatar = &v
	}
	if upd.AvatarURL != nil {
		v := *upd.AvatarURL
		dst.AvatarURL = &v
	}
}

func fillDefaults(p *domain.Profile) {
	if p.Username == "" {
		p.Username = domain.DefaultUsername
	}
	if p.Description == "" {
		p.Description = domain.DefaultDescription
	}
}

func copyProfile(p *domain.Profile) *domain.Profile {
	if p == nil {
		return nil
	}
	out := *p
	if p.Avatar != nil {
		a := *p.Avatar
		out.Avatar = &a
	}
	return &out
}
