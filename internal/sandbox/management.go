package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/tavalid/internal/platform"
)

// Management holds the credentials and client settings used to talk to the
// platform instance inside a sandbox.
type Management struct {
	Username     string
	Password     string
	InsecureTLS  bool
	Timeout      time.Duration
	Retries      int
	PollInterval time.Duration
}

// DefaultManagement matches the stock container image.
func DefaultManagement() Management {
	return Management{
		Username:     "admin",
		Password:     "changeme-tavalid",
		InsecureTLS:  true,
		Timeout:      30 * time.Second,
		Retries:      2,
		PollInterval: 2 * time.Second,
	}
}

func (m Management) client(h Handle) *platform.Client {
	opts := []platform.Option{
		platform.WithCredentials(m.Username, m.Password),
		platform.WithTimeout(m.Timeout),
		platform.WithRetryConfig(platform.RetryConfig{MaxRetries: m.Retries, RetryDelay: time.Second}),
		platform.WithPollInterval(m.PollInterval),
	}
	if m.InsecureTLS {
		opts = append(opts, platform.WithInsecureTLS())
	}
	return platform.NewClient(h.Endpoint, opts...)
}

func (m Management) probe(ctx context.Context, h Handle) (bool, error) {
	if h.Endpoint == "" {
		return false, errors.New("sandbox has no management endpoint")
	}
	return m.client(h).Ready(ctx)
}

// restartAndVerify restarts the platform so a freshly unpacked app is
// loaded, waits for it to answer again and checks the app is registered.
func (m Management) restartAndVerify(ctx context.Context, h Handle, app string, logger *slog.Logger) error {
	client := m.client(h)
	if err := client.Restart(ctx); err != nil {
		return fmt.Errorf("restart platform: %w", err)
	}
	logger.Debug("platform restart requested", "app", app)

	interval := m.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for restart: %w", ctx.Err())
		case <-ticker.C:
		}
		if ready, err := client.Ready(ctx); err != nil || !ready {
			continue
		}
		installed, err := client.AppInstalled(ctx, app)
		if err != nil {
			return fmt.Errorf("verify app %s: %w", app, err)
		}
		if !installed {
			return fmt.Errorf("app %s not recognised after install", app)
		}
		return nil
	}
}

func (m Management) createIndex(ctx context.Context, h Handle, index string) error {
	return m.client(h).CreateIndex(ctx, index)
}

// runQueries executes every query; individual failures are recorded on the
// result. An error is returned only when no query could be executed.
func (m Management) runQueries(ctx context.Context, h Handle, queries []Query) ([]QueryResult, error) {
	client := m.client(h)
	results := make([]QueryResult, 0, len(queries))

	var errs []error
	for _, q := range queries {
		rows, err := client.Search(ctx, q.Search)
		results = append(results, QueryResult{Name: q.Name, Rows: rows, Err: err})
		if err != nil {
			errs = append(errs, fmt.Errorf("query %s: %w", q.Name, err))
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	if len(queries) > 0 && len(errs) == len(queries) {
		return results, errors.Join(errs...)
	}
	return results, nil
}
