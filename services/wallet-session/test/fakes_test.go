package test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	"github.com/quangdang46/Course-Marketplace/shared/testutil"
)

// tokens turns a whole-token amount into base units at 18 decimals
func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// fakeWallet is a browser wallet holding a set of test keys
type fakeWallet struct {
	mu         sync.Mutex
	keys       map[string]*testutil.TestWallet
	connectTo  string
	connectErr error
	signErr    error
	signAs     *testutil.TestWallet
	current    string
	listeners  map[int]func(domain.Address)
	nextID     int
	signCalls  atomic.Int32
}

func newFakeWallet(keys ...*testutil.TestWallet) *fakeWallet {
	w := &fakeWallet{
		keys:      make(map[string]*testutil.TestWallet),
		listeners: make(map[int]func(domain.Address)),
	}
	for _, k := range keys {
		w.keys[k.Address] = k
	}
	return w
}

func (w *fakeWallet) Connect(context.Context) (domain.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connectErr != nil {
		return "", w.connectErr
	}
	w.current = w.connectTo
	return w.current, nil
}

func (w *fakeWallet) Disconnect(context.Context) error {
	w.mu.Lock()
	w.current = ""
	w.mu.Unlock()
	return nil
}

func (w *fakeWallet) CurrentAddress() (domain.Address, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.current != ""
}

func (w *fakeWallet) OnAccountsChanged(fn func(domain.Address)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

// switchTo simulates the user picking another account, or "" for locking the wallet
func (w *fakeWallet) switchTo(addr domain.Address) {
	w.mu.Lock()
	w.current = addr
	fns := make([]func(domain.Address), 0, len(w.listeners))
	for _, fn := range w.listeners {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(addr)
	}
}

func (w *fakeWallet) SignMessage(_ context.Context, address domain.Address, message string) (string, error) {
	w.signCalls.Add(1)
	w.mu.Lock()
	signErr, key := w.signErr, w.keys[address]
	if w.signAs != nil {
		key = w.signAs
	}
	w.mu.Unlock()
	if signErr != nil {
		return "", signErr
	}
	if key == nil {
		return "", fmt.Errorf("no key for %s", address)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key.PrivateKey())
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// fakeChain serves balances from maps; tokenHook overrides token reads
type fakeChain struct {
	mu         sync.Mutex
	native     map[string]*big.Int
	token      map[string]*big.Int
	tokenHook  func(ctx context.Context, addr domain.Address) (*big.Int, error)
	nativeErr  error
	watchErr   error
	watchCalls int
	watchers   map[string]func(domain.TransferEvent)
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		native:   make(map[string]*big.Int),
		token:    make(map[string]*big.Int),
		watchers: make(map[string]func(domain.TransferEvent)),
	}
}

func (c *fakeChain) NativeBalance(_ context.Context, addr domain.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nativeErr != nil {
		return nil, c.nativeErr
	}
	if v, ok := c.native[addr]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

func (c *fakeChain) TokenBalance(ctx context.Context, addr domain.Address) (*big.Int, error) {
	c.mu.Lock()
	hook := c.tokenHook
	v, ok := c.token[addr]
	c.mu.Unlock()
	if hook != nil {
		return hook(ctx, addr)
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return v, nil
}

func (c *fakeChain) TokenDecimals(context.Context) (uint8, error) {
	return 18, nil
}

func (c *fakeChain) WatchTransfers(_ context.Context, addr domain.Address, fn func(domain.TransferEvent)) (func(), error) {
	c.mu.Lock()
	c.watchCalls++
	if c.watchErr != nil {
		err := c.watchErr
		c.mu.Unlock()
		return nil, err
	}
	c.watchers[addr] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, addr)
		c.mu.Unlock()
	}, nil
}

func (c *fakeChain) setToken(addr domain.Address, v *big.Int) {
	c.mu.Lock()
	c.token[addr] = v
	c.mu.Unlock()
}

func (c *fakeChain) setHook(h func(ctx context.Context, addr domain.Address) (*big.Int, error)) {
	c.mu.Lock()
	c.tokenHook = h
	c.mu.Unlock()
}

func (c *fakeChain) setWatchErr(err error) {
	c.mu.Lock()
	c.watchErr = err
	c.mu.Unlock()
}

func (c *fakeChain) watches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchCalls
}

func (c *fakeChain) watching(addr domain.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watchers[addr]
	return ok
}

func (c *fakeChain) emit(addr domain.Address, ev domain.TransferEvent) {
	c.mu.Lock()
	fn := c.watchers[addr]
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// gatedStore wraps a token store and can hold loads or saves until released
type gatedStore struct {
	domain.TokenStore
	loadGate    chan struct{}
	saveGate    chan struct{}
	loadStarted chan domain.Address
	saveStarted chan domain.Address
}

func newGatedStore(inner domain.TokenStore) *gatedStore {
	return &gatedStore{
		TokenStore:  inner,
		loadStarted: make(chan domain.Address, 16),
		saveStarted: make(chan domain.Address, 16),
	}
}

func (g *gatedStore) LoadToken(ctx context.Context, addr domain.Address) (string, error) {
	g.loadStarted <- addr
	if err := wait(ctx, g.loadGate); err != nil {
		return "", err
	}
	return g.TokenStore.LoadToken(ctx, addr)
}

func (g *gatedStore) SaveToken(ctx context.Context, addr domain.Address, token string, ttl time.Duration) error {
	g.saveStarted <- addr
	if err := wait(ctx, g.saveGate); err != nil {
		return err
	}
	return g.TokenStore.SaveToken(ctx, addr, token, ttl)
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fakeAuthAPI is the backend's nonce and token endpoints
type fakeAuthAPI struct {
	mu          sync.Mutex
	nonceCalls  int
	nonceGate   chan struct{}
	nonceErr    error
	exchangeErr error
	requests    []domain.TokenRequest
	tokenFor    func(domain.Address) string
}

func (a *fakeAuthAPI) GetNonce(ctx context.Context, _ domain.Address) (string, error) {
	a.mu.Lock()
	a.nonceCalls++
	n, gate, err := a.nonceCalls, a.nonceGate, a.nonceErr
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("nonce%04d", n), nil
}

func (a *fakeAuthAPI) ExchangeToken(_ context.Context, req domain.TokenRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if a.exchangeErr != nil {
		return "", a.exchangeErr
	}
	if a.tokenFor != nil {
		return a.tokenFor(req.Address), nil
	}
	return "token-" + req.Address, nil
}

func (a *fakeAuthAPI) nonces() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonceCalls
}

func (a *fakeAuthAPI) lastRequest() (domain.TokenRequest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.requests) == 0 {
		return domain.TokenRequest{}, false
	}
	return a.requests[len(a.requests)-1], true
}

// fakeSession is a hand-driven session for profile tests
type fakeSession struct {
	mu   sync.Mutex
	snap domain.Snapshot
	subs []func(domain.Snapshot)
}

func (s *fakeSession) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *fakeSession) Subscribe(fn func(domain.Snapshot)) func() {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	snap := s.snap
	s.mu.Unlock()
	fn(snap)
	return func() {}
}

func (s *fakeSession) publish(snap domain.Snapshot) {
	s.mu.Lock()
	s.snap = snap
	subs := append([]func(domain.Snapshot){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

// fakeProfileAPI serves profiles, optionally holding one address behind a gate
type fakeProfileAPI struct {
	mu         sync.Mutex
	profiles   map[string]*domain.Profile
	gates      map[string]chan struct{}
	started    chan string
	fetchCalls int
	uploads    []string
	uploadErr  error
}

func newFakeProfileAPI() *fakeProfileAPI {
	return &fakeProfileAPI{
		profiles: make(map[string]*domain.Profile),
		gates:    make(map[string]chan struct{}),
		started:  make(chan string, 16),
	}
}

func (a *fakeProfileAPI) FetchProfile(ctx context.Context, addr domain.Address, _ string) (*domain.Profile, error) {
	a.mu.Lock()
	a.fetchCalls++
	gate := a.gates[addr]
	p, ok := a.profiles[addr]
	a.mu.Unlock()
	a.started <- addr
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, errors.New("profile not found")
	}
	out := *p
	return &out, nil
}

func (a *fakeProfileAPI) Upload(_ context.Context, token, filename string, content io.Reader) (*domain.UploadResult, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.uploadErr != nil {
		return nil, a.uploadErr
	}
	a.uploads = append(a.uploads, token+":"+filename)
	return &domain.UploadResult{
		FileID:   "file-1",
		URL:      "https://cdn.example.com/" + filename,
		Size:     int64(len(data)),
		Mimetype: "image/png",
	}, nil
}

func (a *fakeProfileAPI) fetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchCalls
}
