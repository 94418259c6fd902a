package monitoring

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryConfig holds Sentry configuration options
type SentryConfig struct {
	DSN              string
	Environment      string
	Release          string
	Debug            bool
	SampleRate       float64
	TracesSampleRate float64
	ServiceName      string
}

// Keys whose values never leave the process. Signatures and nonces are
// included since a captured pair could be replayed against a lax backend.
var sensitiveKeys = []string{
	"password", "passphrase", "secret",
	"token", "authorization", "auth",
	"signature", "nonce", "private_key", "privatekey",
}

// InitSentry initializes Sentry. It reports false when no DSN is configured.
func InitSentry(config *SentryConfig) (bool, error) {
	if config.DSN == "" {
		return false, nil
	}

	environment := config.Environment
	if environment == "" {
		environment = "development"
	}

	sampleRate := config.SampleRate
	if sampleRate == 0 {
		sampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              config.DSN,
		Environment:      environment,
		Release:          config.Release,
		Debug:            config.Debug,
		SampleRate:       sampleRate,
		TracesSampleRate: config.TracesSampleRate,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if config.ServiceName != "" {
				if event.Tags == nil {
					event.Tags = map[string]string{}
				}
				event.Tags["service"] = config.ServiceName
			}
			FilterSensitiveData(event)
			return event
		},
		BeforeBreadcrumb: func(breadcrumb *sentry.Breadcrumb, hint *sentry.BreadcrumbHint) *sentry.Breadcrumb {
			if breadcrumb.Type == "http" {
				FilterHTTPBreadcrumb(breadcrumb)
			}
			return breadcrumb
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	return true, nil
}

// FilterSensitiveData removes sensitive information from events
func FilterSensitiveData(event *sentry.Event) {
	if event.Request != nil {
		for key := range event.Request.Headers {
			if isSensitive(key) {
				event.Request.Headers[key] = "[FILTERED]"
			}
		}
		event.Request.QueryString = RemoveSensitiveQueryParams(event.Request.QueryString)
	}

	for _, contextValue := range event.Contexts {
		for key := range contextValue {
			if isSensitive(key) {
				contextValue[key] = "[FILTERED]"
			}
		}
	}

	for key := range event.Extra {
		if isSensitive(key) {
			event.Extra[key] = "[FILTERED]"
		}
	}
}

// FilterHTTPBreadcrumb filters sensitive data from HTTP breadcrumbs
func FilterHTTPBreadcrumb(breadcrumb *sentry.Breadcrumb) {
	if raw, ok := breadcrumb.Data["url"].(string); ok {
		if u, err := url.Parse(raw); err == nil {
			u.RawQuery = RemoveSensitiveQueryParams(u.RawQuery)
			breadcrumb.Data["url"] = u.String()
		}
	}
}

// RemoveSensitiveQueryParams masks sensitive values in a raw query string
func RemoveSensitiveQueryParams(rawQuery string) string {
	if rawQuery == "" {
		return rawQuery
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	for key := range values {
		if isSensitive(key) {
			values.Set(key, "[FILTERED]")
		}
	}
	return values.Encode()
}

func isSensitive(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// FlushSentry flushes buffered events
func FlushSentry(timeout time.Duration) {
	sentry.Flush(timeout)
}

// CaptureError captures an error and sends it to Sentry
func CaptureError(err error, tags map[string]string, extra map[string]interface{}) {
	hub := sentry.CurrentHub()
	hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		for key, value := range extra {
			scope.SetExtra(key, value)
		}
		hub.CaptureException(err)
	})
}

// CapturePanic reports a recovered panic value
func CapturePanic(value interface{}, tags map[string]string) {
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		for key, v := range tags {
			scope.SetTag(key, v)
		}
		hub.Recover(value)
	})
}
