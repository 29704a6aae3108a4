package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/model"
	"github.com/nexuscore/core/internal/retry"
)

// FailoverEvent is emitted once per provider switch, for the runner to
// fold into its trace (a "failover" event per the runner's turn loop).
type FailoverEvent struct {
	FromProvider string
	ToProvider   string
	Reason       corerr.Code
}

// circuitState tracks one provider's health across calls.
type circuitState struct {
	failures      int
	circuitOpen   bool
	circuitOpenAt time.Time
}

func (s *circuitState) available(timeout time.Duration) bool {
	if !s.circuitOpen {
		return true
	}
	return time.Since(s.circuitOpenAt) > timeout
}

// Failover wraps a primary provider and zero or more fallbacks, applying
// the project's FailoverPolicy: per-provider exponential-backoff retries,
// then, if the policy allows the error class, substitution of the next
// provider in line. Policy fields are model.FailoverPolicy exactly as
// configured per project; there is no separate orchestrator config.
type Failover struct {
	providers []Provider
	policy    model.FailoverPolicy

	circuitThreshold int
	circuitTimeout   time.Duration
	retryBackoff     time.Duration
	maxRetryBackoff  time.Duration

	mu     sync.Mutex
	states map[string]*circuitState

	// OnFailover, if set, is called synchronously whenever this
	// orchestrator substitutes a fallback provider for a failed one.
	OnFailover func(FailoverEvent)
}

// NewFailover builds an orchestrator trying primary first, then each of
// fallbacks in order.
func NewFailover(policy model.FailoverPolicy, primary Provider, fallbacks ...Provider) *Failover {
	return &Failover{
		providers:        append([]Provider{primary}, fallbacks...),
		policy:           policy,
		circuitThreshold: 3,
		circuitTimeout:   30 * time.Second,
		retryBackoff:     100 * time.Millisecond,
		maxRetryBackoff:  5 * time.Second,
		states:           make(map[string]*circuitState),
	}
}

func (f *Failover) Name() string {
	if len(f.providers) == 0 {
		return "failover"
	}
	return "failover:" + f.providers[0].Name()
}

func (f *Failover) SupportsToolUse() bool {
	if len(f.providers) == 0 {
		return false
	}
	return f.providers[0].SupportsToolUse()
}

func (f *Failover) GetContextWindow() int {
	if len(f.providers) == 0 {
		return 0
	}
	return f.providers[0].GetContextWindow()
}

func (f *Failover) CountTokens(messages []ChatMessage) int {
	if len(f.providers) == 0 {
		return 0
	}
	return f.providers[0].CountTokens(messages)
}

func (f *Failover) FormatTools(tools []ToolSpec) any {
	return f.providers[0].FormatTools(tools)
}

func (f *Failover) FormatToolResult(toolUseID string, content string, isError bool) any {
	return f.providers[0].FormatToolResult(toolUseID, content, isError)
}

// Chat tries each available provider in order, retrying within a
// provider per policy.MaxRetries before moving to the next, and only
// when the failure class the policy has enabled permits it. A
// PROVIDER_TIMEOUT with policy.OnTimeout false terminates immediately
// without trying a fallback.
func (f *Failover) Chat(ctx context.Context, params ChatParams) (<-chan ChatEvent, error) {
	var lastErr error

	for i, p := range f.providers {
		state := f.getOrCreateState(p.Name())
		if !state.available(f.circuitTimeout) {
			continue
		}

		events, err := f.tryProvider(ctx, p, params)
		if err == nil {
			f.recordSuccess(p.Name())
			return events, nil
		}
		lastErr = err
		f.recordFailure(p.Name())

		if !f.shouldFailover(err) {
			return nil, err
		}

		if i+1 < len(f.providers) {
			next := f.providers[i+1]
			if f.OnFailover != nil {
				f.OnFailover(FailoverEvent{FromProvider: p.Name(), ToProvider: next.Name(), Reason: corerr.CodeOf(err)})
			}
		}
	}

	if lastErr == nil {
		lastErr = corerr.New(corerr.CodeProviderUnknown, "no available providers")
	}
	return nil, lastErr
}

// tryProvider drives per-provider retries through internal/retry.Do,
// which owns the exponential-backoff sleep loop; this method supplies
// the one-shot attempt and classifies each failure as permanent
// (stop) or transient (let retry.Do sleep and try again). A provider
// that opens its stream successfully but immediately emits a
// classified EventError (the common shape for a rate limit or
// timeout discovered after the request is already in flight) is
// treated exactly like a synchronous error from Chat itself, so
// retry/failover react the same way regardless of which path
// delivered the failure.
func (f *Failover) tryProvider(ctx context.Context, p Provider, params ChatParams) (<-chan ChatEvent, error) {
	var events <-chan ChatEvent
	var cancel context.CancelFunc

	attempt := func() error {
		callCtx := ctx
		var c context.CancelFunc
		if f.policy.Timeout() > 0 {
			callCtx, c = context.WithTimeout(ctx, f.policy.Timeout())
		}
		result, err := p.Chat(callCtx, params)
		if err != nil {
			if c != nil {
				c()
			}
			classified := classify(err)
			if !isRetryable(classified) {
				return retry.Permanent(classified)
			}
			return classified
		}

		relayed, streamErr := peekLeadingError(result)
		if streamErr != nil {
			if c != nil {
				c()
			}
			classified := classify(streamErr)
			if !isRetryable(classified) {
				return retry.Permanent(classified)
			}
			return classified
		}

		events, cancel = relayed, c
		return nil
	}

	result := retry.Do(ctx, retry.Config{
		MaxAttempts:  f.policy.MaxRetries + 1,
		InitialDelay: f.retryBackoff,
		MaxDelay:     f.maxRetryBackoff,
		Factor:       2.0,
	}, attempt)

	if result.Err != nil {
		if ctx.Err() != nil {
			return nil, corerr.Wrap(corerr.CodeAborted, ctx.Err())
		}
		return nil, unwrapPermanent(result.Err)
	}
	return wrapWithTimeoutCancel(events, cancel), nil
}

// peekLeadingError reads in's first event to detect a provider whose
// failure mode is to open the stream and then emit EventError before
// any content, rather than return an error from Chat. If the first
// event is EventError, its Err is reported directly and nothing is
// forwarded. Otherwise the first event is replayed onto the returned
// channel ahead of everything that follows, so the caller sees the
// exact same sequence it would have seen reading in directly.
func peekLeadingError(in <-chan ChatEvent) (<-chan ChatEvent, error) {
	first, ok := <-in
	if !ok {
		return nil, errors.New("provider closed its event stream without emitting any event")
	}
	if first.Type == EventError {
		return nil, first.Err
	}

	out := make(chan ChatEvent)
	go func() {
		defer close(out)
		out <- first
		for e := range in {
			out <- e
		}
	}()
	return out, nil
}

// unwrapPermanent strips internal/retry's PermanentError wrapper so
// callers see the original classified *corerr.Error again.
func unwrapPermanent(err error) error {
	if retry.IsPermanent(err) {
		return errors.Unwrap(err)
	}
	return err
}

// wrapWithTimeoutCancel ensures a per-call context.WithTimeout is
// released once the stream finishes, without changing the channel the
// caller consumes.
func wrapWithTimeoutCancel(events <-chan ChatEvent, cancel context.CancelFunc) <-chan ChatEvent {
	if cancel == nil {
		return events
	}
	out := make(chan ChatEvent)
	go func() {
		defer close(out)
		defer cancel()
		for e := range events {
			out <- e
		}
	}()
	return out
}

// shouldFailover decides whether lastErr (already classified) warrants
// trying the next provider, per the project's FailoverPolicy plus the
// unconditional failover classes (auth/billing/model unavailable are
// never worth retrying on the same provider).
func (f *Failover) shouldFailover(err error) bool {
	code := corerr.CodeOf(err)
	switch code {
	case corerr.CodeProviderRateLimit:
		return f.policy.OnRateLimit
	case corerr.CodeProviderServerError:
		return f.policy.OnServerErr
	case corerr.CodeProviderTimeout:
		return f.policy.OnTimeout
	default:
		return false
	}
}

func isRetryable(err error) bool {
	switch corerr.CodeOf(err) {
	case corerr.CodeProviderRateLimit, corerr.CodeProviderTimeout, corerr.CodeProviderServerError:
		return true
	default:
		return false
	}
}

// classify maps a raw provider error into the corerr provider taxonomy
// by substring matching on the error text.
func classify(err error) *corerr.Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*corerr.Error); ok {
		return e
	}
	text := strings.ToLower(err.Error())

	switch {
	case strings.Contains(text, "timeout"), strings.Contains(text, "deadline exceeded"), strings.Contains(text, "context deadline"):
		return corerr.Wrap(corerr.CodeProviderTimeout, err)
	case strings.Contains(text, "rate limit"), strings.Contains(text, "rate_limit"), strings.Contains(text, "too many requests"), strings.Contains(text, "429"):
		return corerr.Wrap(corerr.CodeProviderRateLimit, err)
	case strings.Contains(text, "internal server"), strings.Contains(text, "server error"),
		strings.Contains(text, "500"), strings.Contains(text, "502"), strings.Contains(text, "503"), strings.Contains(text, "504"):
		return corerr.Wrap(corerr.CodeProviderServerError, err)
	default:
		return corerr.Wrap(corerr.CodeProviderUnknown, err)
	}
}

func (f *Failover) getOrCreateState(name string) *circuitState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[name]; ok {
		return s
	}
	s := &circuitState{}
	f.states[name] = s
	return s
}

func (f *Failover) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[name]; ok {
		s.failures = 0
		s.circuitOpen = false
	}
}

func (f *Failover) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[name]
	if !ok {
		s = &circuitState{}
		f.states[name] = s
	}
	s.failures++
	if s.failures >= f.circuitThreshold && !s.circuitOpen {
		s.circuitOpen = true
		s.circuitOpenAt = time.Now()
	}
}
