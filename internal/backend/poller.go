package backend

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/joss/relay/internal/chat"
	"github.com/joss/relay/internal/config"
)

// fetchOutcome classifies one poll cycle for delay adaptation.
type fetchOutcome int

const (
	outcomeDelivered fetchOutcome = iota
	outcomeSilent
	outcomeError
)

// pollPolicy holds the cadence knobs. The numbers are operational
// defaults, not protocol constants.
type pollPolicy struct {
	Initial      time.Duration
	Floor        time.Duration
	Ceiling      time.Duration
	SilentGrowth float64
	ErrorGrowth  float64
	Budget       int
	FetchTimeout time.Duration
}

func policyFromConfig(cfg *config.Config) pollPolicy {
	return pollPolicy{
		Initial:      cfg.PollInitial(),
		Floor:        cfg.PollInitial(),
		Ceiling:      cfg.PollCeiling(),
		SilentGrowth: 1.5,
		ErrorGrowth:  2.0,
		Budget:       cfg.PollBudget,
		FetchTimeout: 20 * time.Second,
	}
}

// next computes the delay following a cycle: reset to the floor when
// anything was delivered, grow capped at the ceiling otherwise. Errors
// grow faster than plain silence.
func (p pollPolicy) next(cur time.Duration, outcome fetchOutcome) time.Duration {
	switch outcome {
	case outcomeDelivered:
		return p.Floor
	case outcomeError:
		cur = time.Duration(float64(cur) * p.ErrorGrowth)
	default:
		cur = time.Duration(float64(cur) * p.SilentGrowth)
	}
	if cur > p.Ceiling {
		cur = p.Ceiling
	}
	if cur < p.Floor {
		cur = p.Floor
	}
	return cur
}

// activityFetcher retrieves the latest activities for a remote session.
type activityFetcher func(ctx context.Context, remoteID string) ([]Activity, error)

// pollerSet owns every poller of one APIBackend instance. The dedup sets
// are keyed by remote id here, outside any single poller generation, so
// restarting a poller after a new message never redelivers old
// activities.
type pollerSet struct {
	policy  pollPolicy
	fetch   activityFetcher
	deliver func(sess *chat.Session, text string)
	expired func(sess *chat.Session)
	persist func(sess *chat.Session)

	mu      sync.Mutex
	pollers map[string]*poller
	seen    map[string]map[string]struct{}
}

func newPollerSet(policy pollPolicy, fetch activityFetcher) *pollerSet {
	return &pollerSet{
		policy:  policy,
		fetch:   fetch,
		pollers: make(map[string]*poller),
		seen:    make(map[string]map[string]struct{}),
	}
}

// Start begins a fresh poller generation for remoteID. Any prior
// generation is deactivated first; its dedup set is retained. The set is
// seeded from the session's persisted activity ids so dedup history
// survives restarts of the hosting process.
func (ps *pollerSet) Start(remoteID string, sess *chat.Session) {
	ps.mu.Lock()
	if old, ok := ps.pollers[remoteID]; ok {
		old.deactivate()
	}
	if _, ok := ps.seen[remoteID]; !ok {
		ps.seen[remoteID] = sess.ProcessedSet()
	}

	p := &poller{
		set:      ps,
		remoteID: remoteID,
		sess:     sess,
		active:   true,
		delay:    ps.policy.Initial,
	}
	ps.pollers[remoteID] = p
	ps.mu.Unlock()

	log.Debug().Str("remote", remoteID).Msg("poller started")
	p.schedule(ps.policy.Initial)
}

// Cleanup cancels the poller for remoteID and drops its dedup entry. A
// later Start rebuilds the set from the session's persisted id list, so
// no dedup history is lost. Idempotent.
func (ps *pollerSet) Cleanup(remoteID string) {
	ps.mu.Lock()
	p := ps.pollers[remoteID]
	delete(ps.pollers, remoteID)
	delete(ps.seen, remoteID)
	ps.mu.Unlock()

	if p != nil {
		p.deactivate()
		log.Debug().Str("remote", remoteID).Msg("poller cleaned up")
	}
}

// CleanupAll cancels every tracked poller; used at shutdown.
func (ps *pollerSet) CleanupAll() {
	ps.mu.Lock()
	pollers := make([]*poller, 0, len(ps.pollers))
	for _, p := range ps.pollers {
		pollers = append(pollers, p)
	}
	ps.pollers = make(map[string]*poller)
	ps.seen = make(map[string]map[string]struct{})
	ps.mu.Unlock()

	for _, p := range pollers {
		p.deactivate()
	}
}

// markSeen records an activity id in the shared dedup set. Reports false
// when the id was already present.
func (ps *pollerSet) markSeen(remoteID, activityID string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	set, ok := ps.seen[remoteID]
	if !ok {
		set = make(map[string]struct{})
		ps.seen[remoteID] = set
	}
	if _, dup := set[activityID]; dup {
		return false
	}
	set[activityID] = struct{}{}
	return true
}

// remove drops p from the set if it is still the registered generation.
func (ps *pollerSet) remove(p *poller) {
	ps.mu.Lock()
	if cur, ok := ps.pollers[p.remoteID]; ok && cur == p {
		delete(ps.pollers, p.remoteID)
	}
	ps.mu.Unlock()
}

// poller is one generation of the per-remote-session polling state
// machine: polling until deactivated or the poll budget runs out.
type poller struct {
	set      *pollerSet
	remoteID string
	sess     *chat.Session

	mu     sync.Mutex
	active bool
	timer  *time.Timer
	polls  int
	delay  time.Duration
}

func (p *poller) isActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// deactivate stops the poller: the flag flips and any pending timer is
// cancelled. A cycle already in flight notices on its next active check
// and discards its results.
func (p *poller) deactivate() {
	p.mu.Lock()
	p.active = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
}

func (p *poller) schedule(d time.Duration) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.timer = time.AfterFunc(d, p.cycle)
	p.mu.Unlock()
}

func (p *poller) cycle() {
	if !p.isActive() {
		return
	}

	p.mu.Lock()
	p.polls++
	polls := p.polls
	p.mu.Unlock()

	if polls > p.set.policy.Budget {
		p.expire()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.set.policy.FetchTimeout)
	activities, err := p.set.fetch(ctx, p.remoteID)
	cancel()

	// Cancellation may have raced the request; discard stale results.
	if !p.isActive() {
		return
	}

	outcome := outcomeSilent
	if err != nil {
		log.Debug().Err(err).Str("remote", p.remoteID).Msg("activity fetch failed")
		outcome = outcomeError
	} else if p.reconcile(activities) {
		outcome = outcomeDelivered
	}

	p.mu.Lock()
	p.delay = p.set.policy.next(p.delay, outcome)
	delay := p.delay
	p.mu.Unlock()

	p.schedule(delay)
}

// reconcile folds fetched activities into the session. Every activity id
// is marked seen before any further processing, so a failure mid-loop
// cannot cause redelivery on the next cycle. The user's own activities
// are recorded but suppressed: the sender already sees their message,
// written at send time. Returns true when anything was delivered.
func (p *poller) reconcile(activities []Activity) bool {
	delivered := false
	for _, act := range activities {
		if act.Name == "" || !p.set.markSeen(p.remoteID, act.Name) {
			continue
		}
		p.sess.MarkProcessed(act.Name)

		if act.Originator == originatorUser {
			continue
		}
		text, ok := act.Translate()
		if !ok {
			continue
		}
		if p.set.deliver != nil {
			p.set.deliver(p.sess, text)
		}
		delivered = true
	}

	if delivered && p.set.persist != nil {
		p.set.persist(p.sess)
	}
	return delivered
}

// expire stops the poller permanently after the poll budget is spent and
// emits the single timeout notice.
func (p *poller) expire() {
	p.deactivate()
	p.set.remove(p)
	log.Info().Str("remote", p.remoteID).Msg("poller timed out")
	if p.set.expired != nil {
		p.set.expired(p.sess)
	}
}
