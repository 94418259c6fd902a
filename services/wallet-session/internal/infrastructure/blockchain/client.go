package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/metrics"
	"github.com/quangdang46/Course-Marketplace/shared/resilience"
	"github.com/quangdang46/Course-Marketplace/shared/timeout"
)

// backend is the slice of ethclient.Client the reader uses
type backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Options configures a Client
type Options struct {
	ChainID      string
	Token        common.Address
	Timeouts     *timeout.TimeoutConfig
	PollInterval time.Duration
	// Decimals overrides the contract's decimals() when non-zero
	Decimals uint8
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// Client reads balances and Transfer events of one ERC-20 token on one chain
type Client struct {
	chainID      string
	eth          backend
	token        common.Address
	timeouts     *timeout.TimeoutConfig
	pollInterval time.Duration
	retry        resilience.RetryConfig
	logger       *logging.Logger
	metrics      *metrics.Metrics

	mu       sync.Mutex
	decimals uint8
	haveDec  bool
}

// Dial connects to rawurl (ws:// endpoints enable push subscriptions)
func Dial(ctx context.Context, rawurl string, opts Options) (*Client, error) {
	if rawurl == "" {
		return nil, fmt.Errorf("RPC URL cannot be empty for chain %s", opts.ChainID)
	}
	rpcClient, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC for chain %s: %w", opts.ChainID, err)
	}
	c := newClient(ethclient.NewClient(rpcClient), opts)

	if err := c.IsHealthy(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to test connection for chain %s: %w", opts.ChainID, err)
	}
	return c, nil
}

func newClient(eth backend, opts Options) *Client {
	c := &Client{
		chainID:      opts.ChainID,
		eth:          eth,
		token:        opts.Token,
		timeouts:     opts.Timeouts,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	if c.timeouts == nil {
		c.timeouts = timeout.DefaultTimeoutConfig()
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 12 * time.Second
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	c.logger = c.logger.WithField("chain_id", opts.ChainID)
	if opts.Decimals > 0 {
		c.decimals, c.haveDec = opts.Decimals, true
	}
	c.retry = resilience.RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   250 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		BackoffFactor:  2,
		JitterFraction: 0.2,
		RetryableErrors: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	}
	return c
}

// NativeBalance returns the chain currency balance of address in wei
func (c *Client) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	var balance *big.Int
	err := c.read(ctx, "eth_getBalance", func(ctx context.Context) error {
		b, err := c.eth.BalanceAt(ctx, common.HexToAddress(address), nil)
		balance = b
		return err
	})
	if c.metrics != nil {
		c.metrics.RecordBalanceRead("native", err)
	}
	if err != nil {
		return nil, apperrors.BalanceReadFailed("native", address).WithCause(err)
	}
	return balance, nil
}

// TokenBalance returns the raw token balance of address
func (c *Client) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	out, err := c.CallContract(ctx, "balanceOf", common.HexToAddress(address))
	if err == nil && len(out) == 0 {
		err = fmt.Errorf("balanceOf returned no values")
	}
	var balance *big.Int
	if err == nil {
		var ok bool
		if balance, ok = out[0].(*big.Int); !ok {
			err = fmt.Errorf("balanceOf returned %T", out[0])
		}
	}
	if c.metrics != nil {
		c.metrics.RecordBalanceRead("token", err)
	}
	if err != nil {
		return nil, apperrors.BalanceReadFailed("token", address).WithCause(err)
	}
	return balance, nil
}

// TokenDecimals returns decimals(), cached after the first successful read
func (c *Client) TokenDecimals(ctx context.Context) (uint8, error) {
	c.mu.Lock()
	if c.haveDec {
		d := c.decimals
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	out, err := c.CallContract(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals returned %T", out[0])
	}

	c.mu.Lock()
	c.decimals, c.haveDec = d, true
	c.mu.Unlock()
	return d, nil
}

// CallContract performs a read-only call of method on the token contract
func (c *Client) CallContract(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	input, err := parsedERC20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	var raw []byte
	err = c.read(ctx, "eth_call:"+method, func(ctx context.Context) error {
		r, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: input}, nil)
		raw = r
		return err
	})
	if err != nil {
		return nil, err
	}
	out, err := parsedERC20.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}

// IsHealthy checks that the node answers
func (c *Client) IsHealthy(ctx context.Context) error {
	return timeout.Run(ctx, c.timeouts.Blockchain, "eth_blockNumber", func(ctx context.Context) error {
		_, err := c.eth.BlockNumber(ctx)
		return err
	})
}

// Close closes the client connection
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// GetChainID returns the client's chain ID
func (c *Client) GetChainID() string {
	return c.chainID
}

// read runs one RPC under the configured timeout with retries
func (c *Client) read(ctx context.Context, op string, fn func(context.Context) error) error {
	cfg := c.retry
	cfg.OnRetry = func(attempt int, err error) {
		c.logger.WithContext(ctx).WithError(err).WithField("op", op).Debugf("retrying rpc read, attempt %d", attempt)
	}
	return resilience.RetryWithConfig(ctx, &cfg, func(ctx context.Context) error {
		return timeout.Run(ctx, c.timeouts.Blockchain, op, fn)
	})
}

func isSubscriptionUnsupported(err error) bool {
	return errors.Is(err, rpc.ErrNotificationsUnsupported) ||
		strings.Contains(strings.ToLower(err.Error()), "notifications not supported")
}
