package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spruceid/siwe-go"
	"golang.org/x/sync/singleflight"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/config"
	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/metrics"
	"github.com/quangdang46/Course-Marketplace/shared/timeout"
)

// Handshake steps, reported on AuthenticationFailed errors and metrics
const (
	StepNonce   = "nonce"
	StepMessage = "message"
	StepSign    = "sign"
	StepVerify  = "verify"
	StepToken   = "token"
)

// AuthenticatorConfig shapes the message the wallet signs
type AuthenticatorConfig struct {
	MessageFormat string
	SIWEDomain    string
	SIWEURI       string
	Statement     string
	ChainID       int64
	PromptTimeout time.Duration
}

// Authenticator runs the nonce/sign/token challenge-response against the backend
type Authenticator struct {
	api     domain.AuthAPI
	wallet  domain.WalletConnector
	cfg     AuthenticatorConfig
	group   singleflight.Group
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func NewAuthenticator(api domain.AuthAPI, wallet domain.WalletConnector, cfg AuthenticatorConfig, logger *logging.Logger, m *metrics.Metrics) *Authenticator {
	if cfg.MessageFormat == "" {
		cfg.MessageFormat = config.MessageFormatNonce
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Authenticator{
		api:     api,
		wallet:  wallet,
		cfg:     cfg,
		logger:  logger.WithField("component", "authenticator"),
		metrics: m,
	}
}

// Authenticate proves control of address to the backend. Concurrent calls for
// one address share a single nonce request and wallet prompt.
func (a *Authenticator) Authenticate(ctx context.Context, address domain.Address) (*domain.AuthResult, error) {
	v, err, shared := a.group.Do(address, func() (interface{}, error) {
		return a.handshake(ctx, address)
	})
	if shared {
		a.logger.WithField("address", address).Debug("joined in-flight handshake")
	}
	if err != nil {
		return nil, err
	}
	return v.(*domain.AuthResult), nil
}

func (a *Authenticator) handshake(ctx context.Context, address domain.Address) (*domain.AuthResult, error) {
	start := time.Now()
	log := a.logger.WithContext(logging.WithAddress(ctx, address))

	fail := func(step string, cause error) (*domain.AuthResult, error) {
		if a.metrics != nil {
			a.metrics.HandshakesTotal.WithLabelValues("failure", step).Inc()
			a.metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
		}
		log.WithError(cause).WithField("step", step).Warn("authentication handshake failed")
		return nil, apperrors.AuthenticationFailed(step, address).WithCause(cause)
	}

	nonce, err := a.api.GetNonce(ctx, address)
	if err != nil {
		return fail(StepNonce, err)
	}

	message, siweMsg, err := a.challenge(address, nonce)
	if err != nil {
		return fail(StepMessage, err)
	}

	var signature string
	err = timeout.Run(ctx, a.cfg.PromptTimeout, "wallet_sign", func(ctx context.Context) error {
		s, err := a.wallet.SignMessage(ctx, address, message)
		signature = s
		return err
	})
	if err != nil {
		return fail(StepSign, err)
	}

	if siweMsg != nil {
		if _, err := siweMsg.VerifyEIP191(signature); err != nil {
			return fail(StepVerify, err)
		}
	} else if err := VerifyPersonalSignature(address, message, signature); err != nil {
		return fail(StepVerify, err)
	}

	req := domain.TokenRequest{Address: address, Signature: signature, Nonce: nonce}
	if siweMsg != nil {
		req.Message = message
	}
	token, err := a.api.ExchangeToken(ctx, req)
	if err != nil {
		return fail(StepToken, err)
	}

	if a.metrics != nil {
		a.metrics.HandshakesTotal.WithLabelValues("success", "").Inc()
		a.metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
	}
	log.Performance("authentication_handshake", time.Since(start), nil)

	return &domain.AuthResult{
		Address:   address,
		Token:     token,
		ExpiresAt: TokenExpiry(token),
	}, nil
}

// challenge builds the text the wallet signs: the bare nonce, or an EIP-4361 message
func (a *Authenticator) challenge(address domain.Address, nonce string) (string, *siwe.Message, error) {
	if a.cfg.MessageFormat != config.MessageFormatSIWE {
		return nonce, nil, nil
	}
	msg, err := siwe.InitMessage(
		a.cfg.SIWEDomain,
		common.HexToAddress(address).Hex(),
		a.cfg.SIWEURI,
		nonce,
		map[string]interface{}{
			"statement": a.cfg.Statement,
			"chainId":   int(a.cfg.ChainID),
		},
	)
	if err != nil {
		return "", nil, err
	}
	return msg.String(), msg, nil
}

// VerifyPersonalSignature checks that sigHex is an EIP-191 signature of
// message by address. V may be 0/1 or 27/28.
func VerifyPersonalSignature(address domain.Address, message, sigHex string) error {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	signer := strings.ToLower(crypto.PubkeyToAddress(*pub).Hex())
	if signer != strings.ToLower(address) {
		return fmt.Errorf("%w: signed by %s", domain.ErrAddressMismatch, signer)
	}
	return nil
}

// TokenExpiry reads the exp claim of a JWT without verifying it. Opaque
// tokens and tokens without exp yield nil.
func TokenExpiry(token string) *time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.Trim(token, `"`), claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}
