// Package leaderelection provides Postgres advisory lock-based leader election.
//
// A single Postgres session-scoped advisory lock determines the leader.
// The lock is held for the lifetime of the dedicated database connection;
// there is no renewal or TTL. If the connection dies, Postgres automatically
// releases the lock server-side (timing depends on TCP keepalive settings).
//
// The heartbeat ping exists solely to detect local connection death so the
// leader can stop its duties promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost"
}

// Session is one dedicated database session. The lock it takes lives
// exactly as long as the session.
type Session interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Connector opens dedicated sessions.
type Connector interface {
	Session(ctx context.Context) (Session, error)
}

// Elector manages leader election using a Postgres advisory lock.
type Elector struct {
	connector         Connector
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping dedicated connection
	onElected         func(ctx context.Context)
	onDemoted         func()
	leader            atomic.Bool
	metrics           MetricsSink // optional, nil = disabled
	log               zerolog.Logger
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost.
// onElected should start leader duties (dispatch loop, horizon extender)
// and return quickly.
//
// onDemoted is called synchronously when leadership is lost.
// It should stop leader duties and block until they are fully stopped.
// It must be idempotent.
func New(
	connector Connector,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		connector:         connector,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
		log:               zerolog.Nop(),
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

func (e *Elector) WithLogger(log zerolog.Logger) *Elector {
	e.log = log
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.log.Info().
		Int64("lock_key", e.lockKey).
		Dur("retry", e.retryInterval).
		Dur("heartbeat", e.heartbeatInterval).
		Msg("leader: starting election loop")

	for {
		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			e.log.Info().Msg("leader: election loop stopped")
			return
		}

		if reason != "" {
			e.log.Warn().Str("reason", reason).Dur("retry", e.retryInterval).Msg("leader: lost leadership")
		}

		select {
		case <-ctx.Done():
			e.log.Info().Msg("leader: election loop stopped")
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce attempts to acquire the advisory lock and hold it.
// Returns the reason leadership was lost ("" if lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	if ctx.Err() != nil {
		return ""
	}

	// Advisory lock is session-scoped: must use a dedicated connection.
	sess, err := e.connector.Session(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("leader: failed to acquire dedicated connection")
		return ""
	}
	defer sess.Close()

	acquired, err := sess.TryLock(ctx, e.lockKey)
	if err != nil {
		e.log.Error().Err(err).Msg("leader: advisory lock query failed")
		return ""
	}
	if !acquired {
		e.log.Debug().Int64("lock_key", e.lockKey).Msg("leader: lock held by another instance")
		return ""
	}

	e.log.Info().Int64("lock_key", e.lockKey).Msg("leader: acquired advisory lock")
	e.leader.Store(true)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)

	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx, sess)

	cancelLeader()
	e.onDemoted()
	e.leader.Store(false)

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	e.log.Info().Int64("lock_key", e.lockKey).Str("reason", reason).Msg("leader: released advisory lock")
	return reason
}

// holdLock blocks while pinging the dedicated connection.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, sess Session) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := sess.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				e.log.Error().Err(err).Msg("leader: dedicated connection ping failed")
				return "conn_lost"
			}
		}
	}
}
