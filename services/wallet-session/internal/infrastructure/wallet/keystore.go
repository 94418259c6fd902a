package wallet

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/recovery"
)

// Options configures a KeystoreConnector
type Options struct {
	// Account picks the account to expose; empty means the first one
	Account        string
	Passphrase     string
	PassphraseFile string
	Logger         *logging.Logger
}

// KeystoreConnector is a wallet backed by an encrypted go-ethereum keystore.
// Connecting unlocks one account; SwitchAccount stands in for the user
// picking another account in the wallet UI.
type KeystoreConnector struct {
	ks         *keystore.KeyStore
	preferred  string
	passphrase string
	logger     *logging.Logger

	mu        sync.Mutex
	current   *accounts.Account
	listeners map[int]func(domain.Address)
	nextID    int
	sub       event.Subscription
	events    chan accounts.WalletEvent
}

// OpenKeystore opens (creating if needed) a keystore directory with standard scrypt parameters
func OpenKeystore(dir string) *keystore.KeyStore {
	return keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
}

func NewKeystoreConnector(ks *keystore.KeyStore, opts Options) (*KeystoreConnector, error) {
	pass := opts.Passphrase
	if opts.PassphraseFile != "" {
		b, err := os.ReadFile(opts.PassphraseFile)
		if err != nil {
			return nil, fmt.Errorf("read passphrase file: %w", err)
		}
		pass = strings.TrimRight(string(b), "\r\n")
	}
	if opts.Account != "" && !common.IsHexAddress(opts.Account) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidAddress, opts.Account)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	c := &KeystoreConnector{
		ks:         ks,
		preferred:  strings.ToLower(opts.Account),
		passphrase: pass,
		logger:     logger.WithField("component", "keystore_wallet"),
		listeners:  make(map[int]func(domain.Address)),
		events:     make(chan accounts.WalletEvent, 16),
	}
	c.sub = ks.Subscribe(c.events)
	recovery.SafeGo(c.watch)
	return c, nil
}

// Connect unlocks the configured account and exposes its address
func (c *KeystoreConnector) Connect(ctx context.Context) (domain.Address, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.ConnectionRejected("connection request cancelled").WithCause(err)
	}

	acct, err := c.pick(c.preferred)
	if err != nil {
		return "", err
	}
	if err := c.ks.Unlock(acct, c.passphrase); err != nil {
		c.logger.Security("wallet_unlock_failed", "medium", map[string]interface{}{"address": addressOf(acct)})
		return "", apperrors.ConnectionRejected("wallet refused to unlock the account").WithCause(err)
	}

	c.mu.Lock()
	c.current = &acct
	c.mu.Unlock()
	return addressOf(acct), nil
}

// Disconnect locks the current account again
func (c *KeystoreConnector) Disconnect(_ context.Context) error {
	c.mu.Lock()
	acct := c.current
	c.current = nil
	c.mu.Unlock()

	if acct == nil {
		return nil
	}
	return c.ks.Lock(acct.Address)
}

func (c *KeystoreConnector) CurrentAddress() (domain.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", false
	}
	return addressOf(*c.current), true
}

// SwitchAccount moves the wallet to another keystore account and notifies
// listeners, as a browser wallet does when the user picks a different account.
func (c *KeystoreConnector) SwitchAccount(ctx context.Context, address domain.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	connected := c.current != nil
	c.mu.Unlock()
	if !connected {
		return domain.ErrNotConnected
	}

	acct, err := c.pick(strings.ToLower(address))
	if err != nil {
		return err
	}
	if err := c.ks.Unlock(acct, c.passphrase); err != nil {
		return apperrors.ConnectionRejected("wallet refused to unlock the account").WithCause(err)
	}

	c.mu.Lock()
	prev := c.current
	c.current = &acct
	c.mu.Unlock()
	if prev != nil && prev.Address != acct.Address {
		_ = c.ks.Lock(prev.Address)
	}

	c.notify(addressOf(acct))
	return nil
}

// OnAccountsChanged registers fn for account changes made inside the wallet
func (c *KeystoreConnector) OnAccountsChanged(fn func(domain.Address)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// SignMessage produces an EIP-191 personal_sign signature with V in {27, 28}
func (c *KeystoreConnector) SignMessage(ctx context.Context, address domain.Address, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	acct := c.current
	c.mu.Unlock()
	if acct == nil {
		return "", domain.ErrNotConnected
	}
	if !strings.EqualFold(addressOf(*acct), address) {
		return "", fmt.Errorf("%w: wallet is on %s", domain.ErrAddressMismatch, addressOf(*acct))
	}

	sig, err := c.ks.SignHash(*acct, accounts.TextHash([]byte(message)))
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	sig[recoveryIDIndex] += 27
	return hexutil.Encode(sig), nil
}

// Accounts lists every address in the keystore
func (c *KeystoreConnector) Accounts() []domain.Address {
	accts := c.ks.Accounts()
	out := make([]domain.Address, 0, len(accts))
	for _, a := range accts {
		out = append(out, addressOf(a))
	}
	sort.Strings(out)
	return out
}

// Close stops watching the keystore
func (c *KeystoreConnector) Close() {
	c.sub.Unsubscribe()
}

const recoveryIDIndex = 64

func (c *KeystoreConnector) pick(address string) (accounts.Account, error) {
	accts := c.ks.Accounts()
	if len(accts) == 0 {
		return accounts.Account{}, apperrors.ConnectionRejected("wallet exposes no accounts").WithCause(domain.ErrNoAccounts)
	}
	if address == "" {
		return accts[0], nil
	}
	for _, a := range accts {
		if addressOf(a) == address {
			return a, nil
		}
	}
	return accounts.Account{}, apperrors.ConnectionRejected(fmt.Sprintf("account %s is not in the wallet", address))
}

// watch turns a dropped key file for the current account into an empty account change
func (c *KeystoreConnector) watch() {
	for {
		select {
		case ev := <-c.events:
			c.handleEvent(ev)
		case <-c.sub.Err():
			return
		}
	}
}

func (c *KeystoreConnector) handleEvent(ev accounts.WalletEvent) {
	if ev.Kind != accounts.WalletDropped {
		return
	}
	c.mu.Lock()
	acct := c.current
	dropped := acct != nil && ev.Wallet.Contains(*acct)
	if dropped {
		c.current = nil
	}
	c.mu.Unlock()

	if dropped {
		c.logger.WithField("address", addressOf(*acct)).Warn("current account removed from keystore")
		c.notify("")
	}
}

func (c *KeystoreConnector) notify(address domain.Address) {
	c.mu.Lock()
	fns := make([]func(domain.Address), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(address)
	}
}

func addressOf(a accounts.Account) domain.Address {
	return strings.ToLower(a.Address.Hex())
}
