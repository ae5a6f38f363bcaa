package barrier

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RWTH-EBC/PHOENAIX/internal/model"
	"github.com/RWTH-EBC/PHOENAIX/internal/protocol"
)

// Mode selects how Wait observes completion.
type Mode string

const (
	ModePoll   Mode = "poll"
	ModeNotify Mode = "notify"
)

// DefaultPollInterval matches the reference deployment.
const DefaultPollInterval = 100 * time.Millisecond

// Options configure a Barrier.
type Options struct {
	Mode         Mode
	PollInterval time.Duration
	Timeout      time.Duration // 0 waits until the context ends
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModePoll
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// TimeoutError reports the participants that did not notify in time.
type TimeoutError struct {
	Name    string
	Missing []string
	Waited  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("barrier %s timed out after %s waiting for [%s]",
		e.Name, e.Waited, strings.Join(e.Missing, " "))
}

// Barrier is a named set of completion flags.
type Barrier struct {
	name   string
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	ids   []string
	flags map[string]bool
	armed bool
	sig   protocol.Signal // signal answered by the armed phase
	done  chan struct{} // closed once every flag is set while armed
}

// NewStatic creates a barrier over a full participant population.
func NewStatic(name string, ids []string, opts Options) *Barrier {
	opts = opts.withDefaults()
	b := &Barrier{
		name:   name,
		opts:   opts,
		logger: opts.Logger.With("barrier", name),
		flags:  make(map[string]bool, len(ids)),
		done:   make(chan struct{}),
	}
	for _, id := range ids {
		if _, dup := b.flags[id]; dup {
			continue
		}
		b.flags[id] = false
		b.ids = append(b.ids, id)
	}
	sort.Strings(b.ids)
	if len(b.ids) == 0 {
		close(b.done)
	}
	return b
}

// NewForOffers creates a barrier over the distinct receivers of offers.
func NewForOffers(name string, offers []model.Offer, opts Options) *Barrier {
	ids := make([]string, 0, len(offers))
	for _, o := range offers {
		ids = append(ids, o.ReceivingAgentID)
	}
	return NewStatic(name, ids, opts)
}

// Name returns the barrier name.
func (b *Barrier) Name() string { return b.name }

// IDs returns the expected participants in sorted order.
func (b *Barrier) IDs() []string {
	return append([]string(nil), b.ids...)
}

// Arm clears every flag and starts accepting notifications.
func (b *Barrier) Arm() {
	b.ArmFor(protocol.Signal{})
}

// ArmFor is Arm for one signal: notifications tagged with another round
// or step are ignored.
func (b *Barrier) ArmFor(sig protocol.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clear()
	b.armed = true
	b.sig = sig
}

// Reset clears every flag and stops accepting notifications.
func (b *Barrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clear()
	b.armed = false
	b.sig = protocol.Signal{}
}

func (b *Barrier) clear() {
	for id := range b.flags {
		b.flags[id] = false
	}
	if len(b.ids) > 0 {
		select {
		case <-b.done:
			b.done = make(chan struct{})
		default:
		}
	}
}

// Set records a notification from id. It reports whether the notification
// was accepted: unknown ids and notifications while disarmed are ignored.
// Setting a flag twice is a no-op.
func (b *Barrier) Set(id string) bool {
	return b.SetFor(id, protocol.Signal{})
}

// SetFor is Set for a notification answering sig. Untagged notifications
// and barriers armed without a signal match any round.
func (b *Barrier) SetFor(id string, sig protocol.Signal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, known := b.flags[id]
	if !known || !b.armed {
		b.logger.Debug("notification ignored", "id", id, "known", known, "armed", b.armed)
		return false
	}
	if sig != (protocol.Signal{}) && b.sig != (protocol.Signal{}) && sig != b.sig {
		b.logger.Debug("stale notification ignored", "id", id,
			"round", sig.Round, "step", sig.Step, "want_round", b.sig.Round, "want_step", b.sig.Step)
		return false
	}
	if prev {
		return true
	}
	b.flags[id] = true
	if b.completeLocked() {
		close(b.done)
	}
	return true
}

// Complete reports whether every flag is set.
func (b *Barrier) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completeLocked()
}

func (b *Barrier) completeLocked() bool {
	for _, set := range b.flags {
		if !set {
			return false
		}
	}
	return true
}

// Missing returns the participants that have not notified yet.
func (b *Barrier) Missing() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for _, id := range b.ids {
		if !b.flags[id] {
			out = append(out, id)
		}
	}
	return out
}

// Wait blocks until every flag is set, the context ends, or the timeout
// expires. It returns immediately if the barrier is already complete.
func (b *Barrier) Wait(ctx context.Context) error {
	if b.Complete() {
		return nil
	}

	start := time.Now()
	var timeout <-chan time.Time
	if b.opts.Timeout > 0 {
		timer := time.NewTimer(b.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	switch b.opts.Mode {
	case ModeNotify:
		b.mu.Lock()
		done := b.done
		b.mu.Unlock()

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return b.timeoutError(start)
		}

	default:
		ticker := time.NewTicker(b.opts.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if b.Complete() {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			case <-timeout:
				if b.Complete() {
					return nil
				}
				return b.timeoutError(start)
			}
		}
	}
}

func (b *Barrier) timeoutError(start time.Time) error {
	return &TimeoutError{
		Name:    b.name,
		Missing: b.Missing(),
		Waited:  time.Since(start).Round(time.Millisecond),
	}
}
