// Package recovery classifies playback failures and owns the session state
// machine that drives retries.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/playarr/internal/models"
)

// ErrInvalidTransition is returned for a state change the table does not allow.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 1000 * time.Millisecond
	// DefaultStableSamples is how many consecutive advancing samples end a
	// recovery. Two guarantee one full interval of progress.
	DefaultStableSamples = 2
	// MaxTransitionHistory bounds the retained transition log.
	MaxTransitionHistory = 50
)

var allowed = map[models.SessionState][]models.SessionState{
	models.StateIdle:       {models.StateLoading},
	models.StateLoading:    {models.StatePlaying, models.StateStalled, models.StateFailed},
	models.StatePlaying:    {models.StatePaused, models.StateStalled},
	models.StatePaused:     {models.StatePlaying, models.StateStalled},
	models.StateStalled:    {models.StateRecovering, models.StateFailed},
	models.StateRecovering: {models.StatePlaying, models.StateStalled},
	models.StateFailed:     {},
}

// CanTransition reports whether from → to is in the table. Any state may
// return to Idle.
func CanTransition(from, to models.SessionState) bool {
	if to == models.StateIdle {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Action is the recovery step for a classified trigger.
type Action int

// Recovery actions.
const (
	ActionNone Action = iota
	// ActionSoftRestart calls Backend.StartLoad.
	ActionSoftRestart
	// ActionResetDecoder calls Backend.RecoverMediaError.
	ActionResetDecoder
	// ActionRebuild destroys the backend and builds a new one from the selector.
	ActionRebuild
)

func (a Action) String() string {
	switch a {
	case ActionSoftRestart:
		return "soft-restart"
	case ActionResetDecoder:
		return "reset-decoder"
	case ActionRebuild:
		return "rebuild"
	default:
		return "none"
	}
}

// ActionFor maps an error class onto its recovery action.
func ActionFor(class models.ErrorClass) Action {
	switch class {
	case models.ClassTransientNetwork:
		return ActionSoftRestart
	case models.ClassDecodeFault:
		return ActionResetDecoder
	case models.ClassLoadTimeout, models.ClassUnclassified:
		return ActionRebuild
	default:
		return ActionNone
	}
}

// Trigger is a classified reason to leave normal playback.
type Trigger struct {
	Class  models.ErrorClass
	Reason string
	Err    error
}

// Decision is what the session must do after Next.
type Decision struct {
	Action  Action
	Delay   time.Duration
	Attempt int
	Trigger Trigger
}

// Transition records one state change.
type Transition struct {
	At     time.Time           `json:"at"`
	From   models.SessionState `json:"from"`
	To     models.SessionState `json:"to"`
	Reason string              `json:"reason"`
}

// Config configures a Policy.
type Config struct {
	MaxAttempts   int
	Backoff       time.Duration
	StableSamples int
	// Clock stamps transitions; defaults to time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
	// OnTransition observes every state change.
	OnTransition func(Transition)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.StableSamples <= 0 {
		c.StableSamples = DefaultStableSamples
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Policy is the session state machine. It holds the single SessionState and
// the retry budget. It is not safe for concurrent use; sessions call it from
// their loop.
type Policy struct {
	config Config
	logger *slog.Logger

	state    models.SessionState
	budget   models.RetryBudget
	pending  Trigger
	terminal *models.SessionError
	ended    bool
	stable   int

	history []Transition
}

// New creates a policy in Idle with a full budget.
func New(config Config) *Policy {
	config = config.withDefaults()
	return &Policy{
		config: config,
		logger: config.Logger.With(slog.String("component", "recovery_policy")),
		state:  models.StateIdle,
		budget: models.RetryBudget{MaxAttempts: config.MaxAttempts, Backoff: config.Backoff},
	}
}

// State returns the current state.
func (p *Policy) State() models.SessionState { return p.state }

// Budget returns a copy of the retry budget.
func (p *Policy) Budget() models.RetryBudget { return p.budget }

// Terminal returns the error that failed the session, nil otherwise.
func (p *Policy) Terminal() *models.SessionError { return p.terminal }

// Ended reports whether an on-demand presentation played to its end.
func (p *Policy) Ended() bool { return p.ended }

// Pending returns the trigger that caused the current stall.
func (p *Policy) Pending() Trigger { return p.pending }

// History returns the retained transitions, oldest first.
func (p *Policy) History() []Transition {
	out := make([]Transition, len(p.history))
	copy(out, p.history)
	return out
}

func (p *Policy) transition(to models.SessionState, reason string) error {
	from := p.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	p.state = to
	tr := Transition{At: p.config.Clock(), From: from, To: to, Reason: reason}
	if len(p.history) == MaxTransitionHistory {
		p.history = append(p.history[:0], p.history[1:]...)
	}
	p.history = append(p.history, tr)

	p.logger.Info("session state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
		slog.Int("attempts_made", p.budget.AttemptsMade),
	)
	if p.config.OnTransition != nil {
		p.config.OnTransition(tr)
	}
	return nil
}

// Load marks a mount: Idle → Loading.
func (p *Policy) Load() error {
	return p.transition(models.StateLoading, "source mounted")
}

// Started marks the first rendered frame after a successful play: Loading → Playing.
func (p *Policy) Started() error {
	p.ended = false
	return p.transition(models.StatePlaying, "first frame rendered")
}

// Pause is a user pause: Playing → Paused.
func (p *Policy) Pause() error {
	return p.transition(models.StatePaused, "user paused")
}

// Resume is a user resume: Paused → Playing.
func (p *Policy) Resume() error {
	if err := p.transition(models.StatePlaying, "user resumed"); err != nil {
		return err
	}
	p.ended = false
	return nil
}

// End records the end of an on-demand presentation: Playing → Paused.
func (p *Policy) End() error {
	if err := p.transition(models.StatePaused, "presentation ended"); err != nil {
		return err
	}
	p.ended = true
	return nil
}

// Trigger moves to Stalled. It reports false when the state cannot stall
// (already stalled, idle or failed); such triggers are dropped.
func (p *Policy) Trigger(t Trigger) bool {
	switch p.state {
	case models.StateLoading, models.StatePlaying, models.StatePaused, models.StateRecovering:
	default:
		p.logger.Debug("trigger ignored",
			slog.String("state", p.state.String()),
			slog.String("class", t.Class.String()),
			slog.String("reason", t.Reason))
		return false
	}
	from := p.state
	if err := p.transition(models.StateStalled, t.Class.String()+": "+t.Reason); err != nil {
		return false
	}
	p.pending = t
	p.stable = 0
	if from == models.StateRecovering {
		p.logger.Warn("recovery attempt failed",
			slog.Int("attempt", p.budget.AttemptsMade),
			slog.String("class", t.Class.String()))
	}
	return true
}

// Next consumes one budgeted attempt for the pending stall: Stalled →
// Recovering with the action to run after Delay, or Stalled → Failed once the
// budget is spent. The final budgeted attempt always rebuilds.
func (p *Policy) Next() (Decision, error) {
	if p.state != models.StateStalled {
		return Decision{}, fmt.Errorf("%w: next from %s", ErrInvalidTransition, p.state)
	}
	if p.budget.Exhausted() {
		p.terminal = &models.SessionError{
			Class:  models.ClassRetryBudgetExhausted,
			Source: p.pending.Reason,
			Err:    fmt.Errorf("%w after %d attempts", models.ErrRetryBudgetExhausted, p.budget.AttemptsMade),
		}
		if p.pending.Err != nil {
			p.terminal.Err = fmt.Errorf("%w after %d attempts: %w", models.ErrRetryBudgetExhausted, p.budget.AttemptsMade, p.pending.Err)
		}
		if err := p.transition(models.StateFailed, "retry budget exhausted"); err != nil {
			return Decision{}, err
		}
		return Decision{Trigger: p.pending}, nil
	}

	p.budget.AttemptsMade++
	action := ActionFor(p.pending.Class)
	if action == ActionNone || p.budget.Exhausted() {
		action = ActionRebuild
	}
	d := Decision{
		Action:  action,
		Delay:   p.budget.Backoff,
		Attempt: p.budget.AttemptsMade,
		Trigger: p.pending,
	}
	if err := p.transition(models.StateRecovering, action.String()); err != nil {
		p.budget.AttemptsMade--
		return Decision{}, err
	}
	return d, nil
}

// Advance records an advancing health sample. While Recovering, enough
// consecutive advances return the session to Playing and reset the budget;
// it reports whether that happened.
func (p *Policy) Advance() bool {
	if p.state != models.StateRecovering {
		return false
	}
	p.stable++
	if p.stable < p.config.StableSamples {
		return false
	}
	p.stable = 0
	if err := p.transition(models.StatePlaying, "playback advancing"); err != nil {
		return false
	}
	p.budget.AttemptsMade = 0
	p.pending = Trigger{}
	return true
}

// Fail moves Loading → Failed without spending the budget, for sources no
// backend can play.
func (p *Policy) Fail(class models.ErrorClass, source string, err error) error {
	if e := p.transition(models.StateFailed, class.String()); e != nil {
		return e
	}
	p.terminal = &models.SessionError{Class: class, Source: source, Err: err}
	return nil
}

// Reset returns to Idle with a full budget. It is valid from any state.
func (p *Policy) Reset(reason string) {
	if p.state != models.StateIdle {
		_ = p.transition(models.StateIdle, reason)
	}
	p.budget.AttemptsMade = 0
	p.pending = Trigger{}
	p.terminal = nil
	p.ended = false
	p.stable = 0
}
