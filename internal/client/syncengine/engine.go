// Package syncengine moves a device's queued edits to the server and the
// server's feed back into the device projection.
//
// A sync run pushes every pending entry in batches, then pulls feed pages
// from the stored cursor until the feed is exhausted. Entries leave the log
// only after the server answered for them. A divergent cursor triggers a full
// resync: the projection is rebuilt from the server and pending edits are
// replayed on top.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/momentum/internal/client/mutationlog"
	"github.com/MarcoPoloResearchLab/momentum/internal/client/store"
	"github.com/MarcoPoloResearchLab/momentum/internal/client/transport"
	"github.com/MarcoPoloResearchLab/momentum/internal/clock"
	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"github.com/MarcoPoloResearchLab/momentum/internal/resolve"
	"github.com/MarcoPoloResearchLab/momentum/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ServerDevice attributes pulled records on the device.
const ServerDevice entities.DeviceID = "server"

const (
	defaultBatchSize = 100
	defaultInterval  = 30 * time.Second
	syncFlightKey    = "sync"
)

var (
	// ErrPushRejected matches every PushRejectedError.
	ErrPushRejected = errors.New("syncengine: server rejected mutations")

	errMissingLog       = errors.New("syncengine: mutation log is required")
	errMissingStore     = errors.New("syncengine: store is required")
	errMissingClock     = errors.New("syncengine: clock is required")
	errMissingTransport = errors.New("syncengine: transport is required")
)

// Transport is the server API the engine drives.
type Transport interface {
	Push(ctx context.Context, batch []wire.PushMutation) (wire.PushResponse, error)
	Pull(ctx context.Context, since string) (wire.PullResponse, error)
	Digest(ctx context.Context) (wire.DigestResponse, error)
}

// RejectedMutation is a log entry the server refused to apply.
type RejectedMutation struct {
	Entry  store.Entry
	Reason string
}

// PushRejectedError lists the entries rejected during one push. They stay in
// the log, excluded from automatic batches, until retried.
type PushRejectedError struct {
	Rejected []RejectedMutation
}

func (e *PushRejectedError) Error() string {
	reasons := make([]string, 0, len(e.Rejected))
	for _, rejected := range e.Rejected {
		reasons = append(reasons, fmt.Sprintf("%s: %s", rejected.Entry.Record.Key(), rejected.Reason))
	}
	return fmt.Sprintf("syncengine: %d mutation(s) rejected: %s", len(e.Rejected), strings.Join(reasons, "; "))
}

// Is lets callers match with errors.Is(err, ErrPushRejected).
func (e *PushRejectedError) Is(target error) bool {
	return target == ErrPushRejected
}

// Report summarizes one sync run.
type Report struct {
	// Pushed counts entries acknowledged by the server.
	Pushed int
	// Discarded counts acknowledged entries that lost to a newer server value.
	Discarded int
	Rejected  []RejectedMutation
	Pulled    int
	Resynced  bool
	Cursor    string
}

// Config wires an Engine.
type Config struct {
	Log        *mutationlog.Log
	Store      *store.Store
	Clock      *clock.Monotonic
	Transport  Transport
	BatchSize  int
	Interval   time.Duration
	Logger     *zap.Logger
	OnRejected func([]RejectedMutation)
}

// Engine runs sync for one device. Concurrent Sync calls share one run.
type Engine struct {
	log        *mutationlog.Log
	store      *store.Store
	clock      *clock.Monotonic
	transport  Transport
	batchSize  int
	interval   time.Duration
	logger     *zap.Logger
	onRejected func([]RejectedMutation)

	flight  singleflight.Group
	mu      sync.Mutex
	run     *sharedRun
	trigger chan struct{}
}

// sharedRun is the sync in flight. It runs on a context detached from its
// callers and is cancelled once every caller waiting on it has gone.
type sharedRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		return nil, errMissingLog
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Clock == nil {
		return nil, errMissingClock
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		log:        cfg.Log,
		store:      cfg.Store,
		clock:      cfg.Clock,
		transport:  cfg.Transport,
		batchSize:  batchSize,
		interval:   interval,
		logger:     logger,
		onRejected: cfg.OnRejected,
		trigger:    make(chan struct{}, 1),
	}, nil
}

// Sync pushes pending entries, then pulls the feed. A PushRejectedError does
// not stop the pull and is returned alongside a complete report. Discarded
// pushes leave the projection ahead of the server for the fields the winner
// did not touch; CheckDrift reports it and Resync realigns on request.
//
// Concurrent callers share one run. Cancelling ctx only releases this caller;
// the run itself stops when its last caller is gone.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	e.mu.Lock()
	if e.run == nil {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.run = &sharedRun{ctx: runCtx, cancel: cancel}
	}
	run := e.run
	run.waiters++
	results := e.flight.DoChan(syncFlightKey, func() (any, error) {
		defer run.cancel()
		report, err := e.sync(run.ctx)
		e.mu.Lock()
		e.detach(run)
		e.mu.Unlock()
		return report, err
	})
	e.mu.Unlock()

	select {
	case result := <-results:
		if result.Shared {
			e.logger.Debug("joined in-flight sync")
		}
		report, _ := result.Val.(Report)
		return report, result.Err
	case <-ctx.Done():
		e.mu.Lock()
		run.waiters--
		if run.waiters == 0 {
			run.cancel()
			e.detach(run)
		}
		e.mu.Unlock()
		return Report{}, ctx.Err()
	}
}

// detach lets the next caller start a fresh run. Callers hold e.mu.
func (e *Engine) detach(run *sharedRun) {
	if e.run == run {
		e.run = nil
		e.flight.Forget(syncFlightKey)
	}
}

func (e *Engine) sync(ctx context.Context) (Report, error) {
	var report Report

	pushErr := e.push(ctx, &report)
	var rejectedErr *PushRejectedError
	if pushErr != nil && !errors.As(pushErr, &rejectedErr) {
		return report, pushErr
	}

	if err := e.pull(ctx, &report, true); err != nil {
		return report, err
	}

	if pushErr != nil {
		return report, pushErr
	}
	return report, nil
}

// Push drains the log to the server until no pending entries remain.
func (e *Engine) Push(ctx context.Context) (Report, error) {
	var report Report
	err := e.push(ctx, &report)
	return report, err
}

func (e *Engine) push(ctx context.Context, report *Report) error {
	for {
		batch, err := e.log.Drain(ctx, e.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		payload := make([]wire.PushMutation, 0, len(batch))
		for _, entry := range batch {
			payload = append(payload, wire.EncodePush(entry.Record))
		}
		response, err := e.transport.Push(ctx, payload)
		if err != nil {
			e.logger.Warn("push failed", zap.Int("batch", len(batch)), zap.Error(err))
			return err
		}
		if len(response.Results) != len(batch) {
			return fmt.Errorf("%w: %d results for %d mutations", transport.ErrProtocol, len(response.Results), len(batch))
		}
		for index, result := range response.Results {
			if result.ID != batch[index].Record.ID.String() {
				return fmt.Errorf("%w: result %d is for %q, expected %q", transport.ErrProtocol, index, result.ID, batch[index].Record.ID)
			}
		}

		acknowledged := make([]uint64, 0, len(batch))
		var observed entities.Timestamp
		for index, result := range response.Results {
			entry := batch[index]
			if !result.Applied {
				reason := result.Reason
				if reason == "" {
					reason = "rejected"
				}
				if err := e.log.Reject(ctx, entry.Sequence, reason); err != nil {
					return err
				}
				report.Rejected = append(report.Rejected, RejectedMutation{Entry: entry, Reason: reason})
				continue
			}
			acknowledged = append(acknowledged, entry.Sequence)
			if result.Reason == resolve.DecisionStale.String() || result.Reason == resolve.DecisionTieKept.String() {
				report.Discarded++
			}
			if result.ResultingUpdatedAt != nil {
				if resulting, parseErr := entities.ParseTimestamp(*result.ResultingUpdatedAt); parseErr == nil && resulting > observed {
					observed = resulting
				}
			}
		}
		if observed > 0 {
			e.clock.Observe(observed)
			if err := e.store.RaiseClockHighWater(ctx, observed); err != nil {
				return persistenceError(err)
			}
		}
		if _, err := e.log.Acknowledge(ctx, acknowledged); err != nil {
			return err
		}
		report.Pushed += len(acknowledged)
	}

	if len(report.Rejected) > 0 {
		return &PushRejectedError{Rejected: report.Rejected}
	}
	return nil
}

// Pull merges every feed page after the stored cursor. A divergent cursor
// triggers Resync.
func (e *Engine) Pull(ctx context.Context) (Report, error) {
	var report Report
	err := e.pull(ctx, &report, true)
	return report, err
}

func (e *Engine) pull(ctx context.Context, report *Report, resyncOnDivergence bool) error {
	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return persistenceError(err)
	}
	for {
		page, err := e.transport.Pull(ctx, cursor)
		if errors.Is(err, transport.ErrCursorDivergence) && resyncOnDivergence {
			e.logger.Info("pull cursor diverged, resyncing", zap.String("cursor", cursor))
			return e.resync(ctx, report)
		}
		if err != nil {
			return err
		}

		records := make([]entities.Mutation, 0, len(page.Mutations))
		var newest entities.Timestamp
		for _, payload := range page.Mutations {
			record, decodeErr := wire.DecodePulled(payload, ServerDevice)
			if decodeErr != nil {
				return fmt.Errorf("%w: pulled %s/%s: %v", transport.ErrProtocol, payload.Entity, payload.ID, decodeErr)
			}
			if record.UpdatedAt > newest {
				newest = record.UpdatedAt
			}
			records = append(records, record)
		}

		if _, err := e.store.ApplyPulled(ctx, records, page.Cursor); err != nil {
			return persistenceError(err)
		}
		e.clock.Observe(newest)
		report.Pulled += len(records)
		report.Cursor = page.Cursor

		if len(records) == 0 || page.Cursor == cursor {
			return nil
		}
		cursor = page.Cursor
	}
}

// Resync rebuilds the projection from the server and replays pending edits.
func (e *Engine) Resync(ctx context.Context) (Report, error) {
	var report Report
	err := e.resync(ctx, &report)
	return report, err
}

// resync replays the log on every exit once the projection was dropped, so an
// interrupted pull never hides queued edits. The cleared cursor makes the next
// pull start from the epoch again.
func (e *Engine) resync(ctx context.Context, report *Report) (err error) {
	if err := e.store.ResetForResync(ctx); err != nil {
		return persistenceError(err)
	}
	defer func() {
		replayed, replayErr := e.log.Replay(context.WithoutCancel(ctx))
		if replayErr != nil {
			e.logger.Error("failed to replay pending mutations", zap.Error(replayErr))
			if err == nil {
				err = replayErr
			}
			return
		}
		if err != nil {
			e.logger.Warn("resync interrupted, pending mutations replayed",
				zap.Int("replayed", replayed),
				zap.Error(err))
			return
		}
		report.Resynced = true
		e.logger.Info("resync complete",
			zap.String("cursor", report.Cursor),
			zap.Int("pulled", report.Pulled),
			zap.Int("replayed", replayed))
	}()
	return e.pull(ctx, report, false)
}

func persistenceError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", mutationlog.ErrPersistence, err)
}
