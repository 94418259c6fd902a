package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/recovery"
)

const maxSeenLogs = 4096

type logKey struct {
	tx    common.Hash
	index uint
}

// transferWatcher feeds Transfer logs touching one address to a callback,
// pushed when the node supports subscriptions and polled otherwise.
type transferWatcher struct {
	client  *Client
	address string
	queries []ethereum.FilterQuery
	fn      func(domain.TransferEvent)
	logger  *logging.Logger

	seen map[logKey]struct{}
}

// WatchTransfers calls fn for every Transfer of the token where address is
// the sender or the receiver, until the returned function is called or ctx ends.
func (c *Client) WatchTransfers(ctx context.Context, address string, fn func(domain.TransferEvent)) (func(), error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidAddress, address)
	}
	addrTopic := addressTopic(common.HexToAddress(address))

	w := &transferWatcher{
		client:  c,
		address: address,
		fn:      fn,
		logger:  c.logger.WithField("address", address),
		seen:    make(map[logKey]struct{}),
		queries: []ethereum.FilterQuery{
			{
				Addresses: []common.Address{c.token},
				Topics:    [][]common.Hash{{transferTopic}, {addrTopic}},
			},
			{
				Addresses: []common.Address{c.token},
				Topics:    [][]common.Hash{{transferTopic}, nil, {addrTopic}},
			},
		},
	}

	var head uint64
	err := c.read(ctx, "eth_blockNumber", func(ctx context.Context) error {
		n, err := c.eth.BlockNumber(ctx)
		head = n
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read head block: %w", err)
	}

	wctx, cancel := context.WithCancel(ctx)
	logs := make(chan types.Log, 64)
	subs, err := w.subscribe(wctx, logs)
	switch {
	case err == nil:
		recovery.SafeGoWithContext(wctx, func(ctx context.Context) { w.stream(ctx, subs, logs, head) })
	case isSubscriptionUnsupported(err):
		w.logger.Debug("rpc endpoint has no subscriptions, polling for transfers")
		recovery.SafeGoWithContext(wctx, func(ctx context.Context) { w.poll(ctx, head) })
	default:
		w.logger.WithError(err).Warn("transfer subscription failed, polling for transfers")
		recovery.SafeGoWithContext(wctx, func(ctx context.Context) { w.poll(ctx, head) })
	}

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (w *transferWatcher) subscribe(ctx context.Context, ch chan<- types.Log) ([]ethereum.Subscription, error) {
	subs := make([]ethereum.Subscription, 0, len(w.queries))
	for _, q := range w.queries {
		sub, err := w.client.eth.SubscribeFilterLogs(ctx, q, ch)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// stream consumes pushed logs and drops to polling if a subscription fails
func (w *transferWatcher) stream(ctx context.Context, subs []ethereum.Subscription, logs <-chan types.Log, head uint64) {
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	last := head
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-logs:
			if l.BlockNumber > last {
				last = l.BlockNumber
			}
			w.deliver(l)
		case err := <-subs[0].Err():
			w.fallback(ctx, subs, err, last)
			return
		case err := <-subs[1].Err():
			w.fallback(ctx, subs, err, last)
			return
		}
	}
}

func (w *transferWatcher) fallback(ctx context.Context, subs []ethereum.Subscription, err error, last uint64) {
	if ctx.Err() != nil {
		return
	}
	w.logger.WithError(err).Warn("transfer subscription dropped, polling for transfers")
	for _, s := range subs {
		s.Unsubscribe()
	}
	// the block of the last pushed log may hold more matches
	if last > 0 {
		last--
	}
	w.poll(ctx, last)
}

// poll asks for new Transfer logs after block `from` on every tick
func (w *transferWatcher) poll(ctx context.Context, from uint64) {
	ticker := time.NewTicker(w.client.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := w.pollOnce(ctx, from)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.WithError(err).Warn("transfer poll failed")
				}
				continue
			}
			from = next
		}
	}
}

// pollOnce delivers logs in (from, head] and returns the new high-water mark
func (w *transferWatcher) pollOnce(ctx context.Context, from uint64) (uint64, error) {
	var head uint64
	err := w.client.read(ctx, "eth_blockNumber", func(ctx context.Context) error {
		n, err := w.client.eth.BlockNumber(ctx)
		head = n
		return err
	})
	if err != nil {
		return from, err
	}
	if head <= from {
		return from, nil
	}

	var found []types.Log
	for _, q := range w.queries {
		q.FromBlock = new(big.Int).SetUint64(from + 1)
		q.ToBlock = new(big.Int).SetUint64(head)
		err := w.client.read(ctx, "eth_getLogs", func(ctx context.Context) error {
			logs, err := w.client.eth.FilterLogs(ctx, q)
			if err == nil {
				found = append(found, logs...)
			}
			return err
		})
		if err != nil {
			return from, err
		}
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].BlockNumber != found[j].BlockNumber {
			return found[i].BlockNumber < found[j].BlockNumber
		}
		return found[i].Index < found[j].Index
	})
	for _, l := range found {
		w.deliver(l)
	}
	return head, nil
}

// deliver decodes l and hands it to the callback once; a self-transfer
// matches both filters.
func (w *transferWatcher) deliver(l types.Log) {
	key := logKey{tx: l.TxHash, index: l.Index}
	if !l.Removed {
		if _, dup := w.seen[key]; dup {
			return
		}
		if len(w.seen) >= maxSeenLogs {
			w.seen = make(map[logKey]struct{})
		}
		w.seen[key] = struct{}{}
	} else {
		delete(w.seen, key)
	}

	from, to, value, ok := decodeTransfer(l)
	if !ok {
		return
	}
	w.fn(domain.TransferEvent{
		From:        from,
		To:          to,
		Value:       value,
		TxHash:      l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
		Removed:     l.Removed,
	})
}
