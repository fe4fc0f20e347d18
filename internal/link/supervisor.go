package link

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/fanbridge/internal/state"
)

// Restarter re-triggers discovery on a session that ended.
type Restarter interface {
	Restart(ctx context.Context) error
}

// RetryPolicy bounds automatic reconnection. MaxAttempts of zero means no
// limit.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Supervisor restarts a session with exponential backoff whenever the link
// lands in PortNotFound or Disconnected. It starts at InitialDelay, doubles
// each attempt up to MaxDelay, and gives up after MaxAttempts consecutive
// failures. A successful connection resets the count.
type Supervisor struct {
	state  *state.Controller
	sess   Restarter
	policy RetryPolicy
	log    *zap.SugaredLogger

	events chan state.Connection
}

func NewSupervisor(st *state.Controller, sess Restarter, policy RetryPolicy, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		state:  st,
		sess:   sess,
		policy: policy.withDefaults(),
		log:    log.Named("reconnect"),
		events: make(chan state.Connection, 8),
	}
}

// Run blocks until ctx is done.
func (sv *Supervisor) Run(ctx context.Context) {
	h := sv.state.Subscribe(func(ch state.Change) {
		if !ch.Fields.Has(state.FieldConnection) {
			return
		}
		select {
		case sv.events <- ch.State.Connection:
		default:
		}
	})
	defer sv.state.Unsubscribe(h)

	// The link may already have failed before we subscribed.
	if c := sv.state.Connection(); c == state.PortNotFound || c == state.Disconnected {
		sv.events <- c
	}

	delay := sv.policy.InitialDelay
	attempt := 0
	for {
		var conn state.Connection
		select {
		case <-ctx.Done():
			return
		case conn = <-sv.events:
		}

		switch conn {
		case state.Connected:
			if attempt > 0 {
				sv.log.Infow("reconnected", "attempts", attempt)
			}
			attempt = 0
			delay = sv.policy.InitialDelay
			continue
		case state.PortNotFound, state.Disconnected:
		default:
			continue
		}
		// Stale event: the link moved on since it was queued.
		if sv.state.Connection() != conn {
			continue
		}

		if sv.policy.MaxAttempts > 0 && attempt >= sv.policy.MaxAttempts {
			sv.log.Warnw("giving up on reconnect", "attempts", attempt, "state", conn.String())
			continue
		}
		attempt++
		sv.log.Infow("scheduling reconnect", "attempt", attempt, "max", sv.policy.MaxAttempts, "in", delay, "state", conn.String())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if err := sv.sess.Restart(ctx); err != nil {
			sv.log.Warnw("restart failed", "attempt", attempt, "error", err)
		}

		delay *= 2
		if delay > sv.policy.MaxDelay {
			delay = sv.policy.MaxDelay
		}
	}
}
