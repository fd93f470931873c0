package memory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

// LongTermMemory is the part of Store the Assembler depends on.
type LongTermMemory interface {
	Remember(ctx context.Context, userID, text string, role Role) []Fact
	Recall(ctx context.Context, userID, query string, k int) []Fact
}

// userState is the short-term memory of one user. mu serializes every
// operation on turns; queue orders the user's background remembers.
type userState struct {
	mu       sync.Mutex
	turns    *TurnStore
	lastSeen time.Time
	queue    *workQueue
}

// Assembler owns per-user short-term memory and combines it with recalled
// long-term facts into a ContextBundle.
//
// Operations for one user are serialized; different users never block each
// other. Record returns as soon as the turns are appended and leaves the
// Remember call to a per-user background queue, so a slow embedder does
// not delay the reply. Assemble waits for that queue (bounded by its
// context and RecallTimeout) so a fact stated in one message is visible to
// the next.
type Assembler struct {
	cfg     Config
	ltm     LongTermMemory
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu    sync.Mutex
	users map[string]*userState

	// background tracks every drain goroutine.
	background sync.WaitGroup
}

// NewAssembler validates cfg and returns an Assembler backed by ltm.
// If logger is nil, the default slog logger is used.
func NewAssembler(cfg Config, ltm LongTermMemory, logger *slog.Logger, metrics *observability.Metrics) (*Assembler, error) {
	if ltm == nil {
		return nil, errors.New("memory assembler: long-term memory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		cfg:     cfg,
		ltm:     ltm,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		users:   make(map[string]*userState),
	}, nil
}

// state returns the user's state, creating it on first contact.
func (a *Assembler) state(userID string) *userState {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.users[userID]
	if !ok {
		turns, _ := NewTurnStore(a.cfg.MaxMessages)
		turns.Append(RoleSystem, a.cfg.SystemPrompt)
		st = &userState{turns: turns, queue: newWorkQueue()}
		a.users[userID] = st
		a.metrics.SetActiveUsers(len(a.users))
	}
	st.lastSeen = a.now()
	return st
}

// Assemble builds the context for answering message. Pending background
// remembers for the user are awaited first; if that wait or the recall hits
// the deadline, the bundle is built from whatever is available.
func (a *Assembler) Assemble(ctx context.Context, userID, message string) (ContextBundle, error) {
	if userID == "" {
		return ContextBundle{}, invalid("user_id", "must not be empty")
	}
	log := observability.WithTrace(ctx, a.logger).With("user_id", userID)
	st := a.state(userID)

	rctx, cancel := context.WithTimeout(ctx, a.cfg.RecallTimeout)
	defer cancel()

	select {
	case <-st.queue.done():
	case <-rctx.Done():
		log.Warn("memory: assemble: pending remember not finished, recalling anyway", "err", rctx.Err())
	}

	facts := a.ltm.Recall(rctx, userID, message, a.cfg.RecallK)

	st.mu.Lock()
	turns := st.turns.List()
	st.mu.Unlock()

	bundle := ContextBundle{UserID: userID, RecalledFacts: facts}
	for _, t := range turns {
		if t.Role == RoleSystem {
			bundle.SystemPrompt = t.Content
			continue
		}
		bundle.RecentTurns = append(bundle.RecentTurns, t)
	}
	log.Debug("memory: assembled context", "turns", len(bundle.RecentTurns), "facts", len(facts))
	return bundle, nil
}

// Record appends the exchange to short-term memory and schedules the user
// message for long-term memory. The background Remember survives
// cancellation of ctx (it keeps ctx values such as the trace ID) and is
// bounded by RememberTimeout instead.
func (a *Assembler) Record(ctx context.Context, userID, userMessage, assistantReply string) error {
	if userID == "" {
		return invalid("user_id", "must not be empty")
	}
	st := a.state(userID)

	st.mu.Lock()
	st.turns.Append(RoleUser, userMessage)
	st.turns.Append(RoleAssistant, assistantReply)
	st.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	st.queue.submit(func() {
		rctx, cancel := context.WithTimeout(bg, a.cfg.RememberTimeout)
		defer cancel()
		a.ltm.Remember(rctx, userID, userMessage, RoleUser)
	}, &a.background, a.logger)
	return nil
}

// Remember schedules text for long-term memory without touching the turn
// buffer. It shares the user's queue with Record.
func (a *Assembler) Remember(ctx context.Context, userID, text string, role Role) error {
	if userID == "" {
		return invalid("user_id", "must not be empty")
	}
	st := a.state(userID)
	bg := context.WithoutCancel(ctx)
	st.queue.submit(func() {
		rctx, cancel := context.WithTimeout(bg, a.cfg.RememberTimeout)
		defer cancel()
		a.ltm.Remember(rctx, userID, text, role)
	}, &a.background, a.logger)
	return nil
}

// History returns the user's turns, system turn first.
func (a *Assembler) History(userID string) []Turn {
	st := a.lookup(userID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.turns.List()
}

// Summary returns the one-line-per-turn preview of the user's buffer.
func (a *Assembler) Summary(userID string) string {
	st := a.lookup(userID)
	if st == nil {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.turns.Summary()
}

// Limit returns the user's current turn limit.
func (a *Assembler) Limit(userID string) int {
	st := a.lookup(userID)
	if st == nil {
		return a.cfg.MaxMessages
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.turns.Limit()
}

// SetLimit changes how many turns the user's buffer keeps.
func (a *Assembler) SetLimit(userID string, n int) error {
	if userID == "" {
		return invalid("user_id", "must not be empty")
	}
	if n < 1 {
		return invalid("max_messages", "must be at least 1, got %d", n)
	}
	st := a.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.turns.SetLimit(n)
}

// SetSystemPrompt pins prompt for the user. An empty prompt restores the
// default.
func (a *Assembler) SetSystemPrompt(userID, prompt string) error {
	if userID == "" {
		return invalid("user_id", "must not be empty")
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = a.cfg.SystemPrompt
	}
	st := a.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.turns.Append(RoleSystem, prompt)
	return nil
}

// Clear empties the user's buffer except for the system turn. Long-term
// memory is untouched.
func (a *Assembler) Clear(userID string) {
	st := a.lookup(userID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.turns.Clear()
}

// Users returns the IDs with short-term memory held, sorted.
func (a *Assembler) Users() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.users))
	for id := range a.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Flush blocks until every queued background remember has finished or ctx
// is done.
func (a *Assembler) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExpireIdle drops the short-term memory of users idle for longer than
// IdleTTL whose background queue is empty. It returns how many were
// dropped. It does nothing when IdleTTL is zero.
func (a *Assembler) ExpireIdle(now time.Time) int {
	if a.cfg.IdleTTL <= 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	expired := 0
	for id, st := range a.users {
		if now.Sub(st.lastSeen) < a.cfg.IdleTTL || st.queue.busy() {
			continue
		}
		delete(a.users, id)
		expired++
	}
	if expired > 0 {
		a.metrics.SetActiveUsers(len(a.users))
		a.logger.Debug("memory: expired idle users", "count", expired)
	}
	return expired
}

// RunJanitor calls ExpireIdle every interval until ctx is done. It returns
// immediately when IdleTTL is zero.
func (a *Assembler) RunJanitor(ctx context.Context, interval time.Duration) {
	if a.cfg.IdleTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = max(a.cfg.IdleTTL/2, time.Second)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.ExpireIdle(now)
		}
	}
}

func (a *Assembler) lookup(userID string) *userState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.users[userID]
}
