package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry configures the global sentry hub. An empty DSN leaves reporting
// disabled and returns a no-op flush.
func InitSentry(dsn, environment, release string) (func(), error) {
	if dsn == "" {
		return func() {}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, err
	}

	return func() { sentry.Flush(2 * time.Second) }, nil
}
