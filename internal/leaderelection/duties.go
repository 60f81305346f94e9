package leaderelection

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Duty is a long-running task that returns once ctx is cancelled.
type Duty struct {
	Name string
	Run  func(ctx context.Context)
}

// Duties starts and stops a fixed set of leader-only tasks. Start and Stop
// match the Elector's onElected and onDemoted callbacks and are both
// idempotent. Duties are stopped in reverse order, each one fully before
// the next, so later duties can drain work produced by earlier ones.
type Duties struct {
	duties []Duty
	log    zerolog.Logger

	mu      sync.Mutex
	running []runningDuty
}

type runningDuty struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDuties(duties ...Duty) *Duties {
	return &Duties{duties: duties, log: zerolog.Nop()}
}

func (d *Duties) WithLogger(log zerolog.Logger) *Duties {
	d.log = log
	return d
}

// Start launches every duty under ctx. It does nothing if already running.
func (d *Duties) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running != nil {
		return
	}

	d.running = make([]runningDuty, 0, len(d.duties))
	for _, duty := range d.duties {
		dctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func(run func(context.Context)) {
			defer close(done)
			run(dctx)
		}(duty.Run)
		d.running = append(d.running, runningDuty{name: duty.Name, cancel: cancel, done: done})
		d.log.Info().Str("duty", duty.Name).Msg("duties: started")
	}
}

// Stop cancels the running duties and waits for each to return.
func (d *Duties) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := len(d.running) - 1; i >= 0; i-- {
		r := d.running[i]
		d.log.Info().Str("duty", r.name).Msg("duties: stopping")
		r.cancel()
		<-r.done
		d.log.Info().Str("duty", r.name).Msg("duties: stopped")
	}
	d.running = nil
}

// Running reports whether the duties are currently started.
func (d *Duties) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running != nil
}
