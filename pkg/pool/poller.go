package pool

import (
	"context"
	"log/slog"
	"time"
)

// Handler processes one task and returns the download URL of the signed
// artifact.
type Handler func(ctx context.Context, task *Task) (downloadURL string, err error)

// Poller pulls tasks from the job server one at a time and drives them
// through a handler.
type Poller struct {
	client   *Client
	handler  Handler
	interval time.Duration
	log      *slog.Logger
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the idle and error backoff interval.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithLogger sets the poller logger.
func WithLogger(log *slog.Logger) PollerOption {
	return func(p *Poller) { p.log = log }
}

// NewPoller builds a poller around a job server client and a task handler.
func NewPoller(client *Client, handler Handler, opts ...PollerOption) *Poller {
	p := &Poller{
		client:   client,
		handler:  handler,
		interval: 10 * time.Second,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until the context is canceled. A failed task is reported to
// the server and the loop keeps going; only context cancellation stops it.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started", "interval", p.interval)
	for {
		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				p.log.Info("poller stopped")
				return ctx.Err()
			}
			p.log.Error("poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return ctx.Err()
		case <-time.After(p.interval):
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	task, err := p.client.FetchNextTask(ctx)
	if err != nil {
		return err
	}
	if task == nil {
		p.log.Debug("no queued tasks")
		return nil
	}

	p.log.Info("picked up task",
		"task", task.TaskID, "archive", task.ArchiveID, "udid", task.UDID, "bundleID", task.BundleID)
	if err := p.client.ReportStatus(ctx, task.TaskID, StatusRunning, ""); err != nil {
		return err
	}

	downloadURL, err := p.handler(ctx, task)
	if err != nil {
		p.log.Error("task failed", "task", task.TaskID, "error", err)
		if reportErr := p.client.ReportStatus(ctx, task.TaskID, StatusFailed, err.Error()); reportErr != nil {
			return reportErr
		}
		return nil
	}

	if err := p.client.UploadResult(ctx, task.TaskID, downloadURL); err != nil {
		return err
	}
	if err := p.client.ReportStatus(ctx, task.TaskID, StatusSuccess, "signed"); err != nil {
		return err
	}
	p.log.Info("task complete", "task", task.TaskID, "url", downloadURL)
	return nil
}
