package blockchain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/metrics"
)

var (
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice     = common.HexToAddress("0x52908400098527886e0f7030069857d2e4169ee7")
	bob       = common.HexToAddress("0x8617e340b3d01fa5f11f306f4090fd50e238070d")
	carol     = common.HexToAddress("0xde709f2102306220921060314715629080e2fb77")
)

// fakeBackend is an in-memory node holding one token contract
type fakeBackend struct {
	mu            sync.Mutex
	head          uint64
	native        map[common.Address]*big.Int
	tokens        map[common.Address]*big.Int
	decimals      uint8
	logs          []types.Log
	balanceErr    error
	subscribeErr  error
	contractCalls int
	subChans      []chan<- types.Log
	subFail       chan error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		head:     100,
		native:   map[common.Address]*big.Int{},
		tokens:   map[common.Address]*big.Int{},
		decimals: 18,
		subFail:  make(chan error, 2),
	}
}

func (f *fakeBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	if b, ok := f.native[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contractCalls++

	if call.To == nil || *call.To != tokenAddr {
		return nil, errors.New("no contract code at address")
	}
	method, err := parsedERC20.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "balanceOf":
		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		b, ok := f.tokens[args[0].(common.Address)]
		if !ok {
			b = big.NewInt(0)
		}
		return method.Outputs.Pack(b)
	case "decimals":
		return method.Outputs.Pack(f.decimals)
	}
	return nil, errors.New("execution reverted")
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Log
	for _, l := range f.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if matchTopics(l.Topics, q.Topics) {
			out = append(out, l)
		}
	}
	return out, nil
}

func matchTopics(have []common.Hash, want [][]common.Hash) bool {
	for i, options := range want {
		if len(options) == 0 {
			continue
		}
		if i >= len(have) {
			return false
		}
		hit := false
		for _, o := range options {
			if have[i] == o {
				hit = true
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func (f *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subChans = append(f.subChans, ch)
	fail := f.subFail
	return event.NewSubscription(func(quit <-chan struct{}) error {
		select {
		case <-quit:
			return nil
		case err := <-fail:
			return err
		}
	}), nil
}

func (f *fakeBackend) Close() {}

// addLogs mines logs atomically so a poll never sees half a block
func (f *fakeBackend) addLogs(logs ...types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range logs {
		f.logs = append(f.logs, l)
		if l.BlockNumber > f.head {
			f.head = l.BlockNumber
		}
	}
}

func transferLog(from, to common.Address, value int64, block uint64, index uint, tx string) types.Log {
	return types.Log{
		Address:     tokenAddr,
		Topics:      []common.Hash{transferTopic, addressTopic(from), addressTopic(to)},
		Data:        common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		BlockNumber: block,
		Index:       index,
		TxHash:      common.HexToHash(tx),
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.TransferEvent
}

func (r *eventRecorder) record(e domain.TransferEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []domain.TransferEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TransferEvent(nil), r.events...)
}

type ClientTestSuite struct {
	suite.Suite
	backend *fakeBackend
	client  *Client
	ctx     context.Context
	cancel  context.CancelFunc
}

func (s *ClientTestSuite) SetupTest() {
	s.backend = newFakeBackend()
	s.client = newClient(s.backend, Options{
		ChainID:      "eip155:31337",
		Token:        tokenAddr,
		PollInterval: 10 * time.Millisecond,
		Logger:       logging.Nop(),
		Metrics:      metrics.NewMetrics("test", "chain"),
	})
	s.client.retry.MaxAttempts = 1
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

func (s *ClientTestSuite) TearDownTest() {
	s.cancel()
}

func (s *ClientTestSuite) TestNativeBalance() {
	s.backend.native[alice] = big.NewInt(1_500_000_000_000_000_000)

	b, err := s.client.NativeBalance(s.ctx, alice.Hex())

	s.NoError(err)
	s.Equal("1.5", domain.FormatUnits(b, domain.NativeDecimals))
}

func (s *ClientTestSuite) TestNativeBalanceFailure() {
	s.backend.balanceErr = errors.New("connection refused")

	_, err := s.client.NativeBalance(s.ctx, alice.Hex())

	s.ErrorIs(err, apperrors.ErrBalanceReadFailed)
}

func (s *ClientTestSuite) TestTokenBalance() {
	s.backend.tokens[alice] = big.NewInt(42)

	b, err := s.client.TokenBalance(s.ctx, alice.Hex())

	s.NoError(err)
	s.Equal(int64(42), b.Int64())
}

func (s *ClientTestSuite) TestTokenBalanceUnknownContract() {
	s.client.token = carol

	_, err := s.client.TokenBalance(s.ctx, alice.Hex())

	s.True(apperrors.IsType(err, apperrors.ErrorTypeBalanceReadFailed))
}

func (s *ClientTestSuite) TestTokenDecimalsIsCached() {
	s.backend.decimals = 6

	for i := 0; i < 3; i++ {
		d, err := s.client.TokenDecimals(s.ctx)
		s.NoError(err)
		s.Equal(uint8(6), d)
	}
	s.Equal(1, s.backend.contractCalls)
}

func (s *ClientTestSuite) TestWatchTransfersPolling() {
	s.backend.subscribeErr = rpc.ErrNotificationsUnsupported
	rec := &eventRecorder{}

	stop, err := s.client.WatchTransfers(s.ctx, alice.Hex(), rec.record)
	s.Require().NoError(err)
	defer stop()

	s.backend.addLogs(
		transferLog(alice, bob, 10, 101, 0, "0x01"),
		transferLog(bob, alice, 20, 101, 1, "0x02"),
		transferLog(alice, alice, 30, 102, 0, "0x03"),
		transferLog(bob, carol, 40, 102, 1, "0x04"),
	)

	s.Eventually(func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	events := rec.snapshot()
	s.Len(events, 3)
	s.Equal(int64(10), events[0].Value.Int64())
	s.Equal(int64(20), events[1].Value.Int64())
	s.Equal(strings.ToLower(alice.Hex()), events[2].From)
	s.Equal(uint64(102), events[2].BlockNumber)
}

func (s *ClientTestSuite) TestWatchTransfersIgnoresHistory() {
	s.backend.subscribeErr = rpc.ErrNotificationsUnsupported
	s.backend.addLogs(transferLog(bob, alice, 5, 90, 0, "0x09"))
	rec := &eventRecorder{}

	stop, err := s.client.WatchTransfers(s.ctx, alice.Hex(), rec.record)
	s.Require().NoError(err)
	defer stop()

	time.Sleep(50 * time.Millisecond)
	s.Empty(rec.snapshot())
}

func (s *ClientTestSuite) TestWatchTransfersSubscriptionDeduplicatesSelfTransfer() {
	rec := &eventRecorder{}

	stop, err := s.client.WatchTransfers(s.ctx, alice.Hex(), rec.record)
	s.Require().NoError(err)
	defer stop()

	s.Require().Len(s.backend.subChans, 2)
	self := transferLog(alice, alice, 7, 101, 0, "0x07")
	s.backend.subChans[0] <- self
	s.backend.subChans[1] <- self

	s.Eventually(func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Len(rec.snapshot(), 1)
}

func (s *ClientTestSuite) TestWatchTransfersFallsBackToPolling() {
	rec := &eventRecorder{}

	stop, err := s.client.WatchTransfers(s.ctx, alice.Hex(), rec.record)
	s.Require().NoError(err)
	defer stop()

	s.backend.subFail <- errors.New("websocket: close 1006")
	s.backend.addLogs(transferLog(bob, alice, 11, 103, 0, "0x0b"))

	s.Eventually(func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func (s *ClientTestSuite) TestUnsubscribeStopsDelivery() {
	s.backend.subscribeErr = rpc.ErrNotificationsUnsupported
	rec := &eventRecorder{}

	stop, err := s.client.WatchTransfers(s.ctx, alice.Hex(), rec.record)
	s.Require().NoError(err)
	stop()
	stop()

	s.backend.addLogs(transferLog(bob, alice, 1, 101, 0, "0x0c"))
	time.Sleep(50 * time.Millisecond)
	s.Empty(rec.snapshot())
}

func (s *ClientTestSuite) TestWatchTransfersRejectsBadAddress() {
	_, err := s.client.WatchTransfers(s.ctx, "nope", func(domain.TransferEvent) {})

	s.ErrorIs(err, domain.ErrInvalidAddress)
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func TestTransferTopicMatchesABI(t *testing.T) {
	assert.Equal(t, parsedERC20.Events["Transfer"].ID, TransferTopic())
}
