package timeout

import (
	"context"
	"errors"
	"time"

	"github.com/quangdang46/Course-Marketplace/shared/env"
	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
)

// TimeoutConfig holds timeout configuration
type TimeoutConfig struct {
	Default      time.Duration
	Redis        time.Duration
	HTTP         time.Duration
	Blockchain   time.Duration
	FileUpload   time.Duration
	WalletPrompt time.Duration
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		Default:      30 * time.Second,
		Redis:        2 * time.Second,
		HTTP:         15 * time.Second,
		Blockchain:   15 * time.Second,
		FileUpload:   5 * time.Minute,
		WalletPrompt: 2 * time.Minute,
	}
}

// LoadTimeoutConfig reads TIMEOUT_* overrides on top of the defaults
func LoadTimeoutConfig() *TimeoutConfig {
	d := DefaultTimeoutConfig()
	return &TimeoutConfig{
		Default:      env.GetDuration("TIMEOUT_DEFAULT", d.Default),
		Redis:        env.GetDuration("TIMEOUT_REDIS", d.Redis),
		HTTP:         env.GetDuration("TIMEOUT_HTTP", d.HTTP),
		Blockchain:   env.GetDuration("TIMEOUT_BLOCKCHAIN", d.Blockchain),
		FileUpload:   env.GetDuration("TIMEOUT_FILE_UPLOAD", d.FileUpload),
		WalletPrompt: env.GetDuration("TIMEOUT_WALLET_PROMPT", d.WalletPrompt),
	}
}

// WithTimeout creates a context with timeout
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// Run calls fn under a deadline. When fn fails because that deadline passed
// the error is replaced by a TIMEOUT error naming operation.
func Run(ctx context.Context, d time.Duration, operation string, fn func(context.Context) error) error {
	tctx, cancel := WithTimeout(ctx, d)
	defer cancel()

	err := fn(tctx)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return apperrors.Timeout(operation).WithCause(err)
	}
	return err
}
