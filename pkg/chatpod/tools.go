package chatpod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
)

// DefaultToolTimeout bounds one tool execution.
const DefaultToolTimeout = 30 * time.Second

// Wire error codes for tool results.
const (
	toolCodeUnknown     = "unknown_tool"
	toolCodeInvalidArgs = "invalid_args"
	toolCodeError       = "tool_error"
	toolCodeTimeout     = "tool_timeout"
	toolCodeCancelled   = "cancelled"
)

// ExecutorFunc runs one tool call. The returned value is JSON-marshalled
// into the result payload. ctx carries the per-call deadline.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (any, error)

// ToolOutcome is the resolution of a pending tool call.
type ToolOutcome struct {
	Payload json.RawMessage
	Err     error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Timeout bounds one tool execution (defaults to 30s).
	Timeout time.Duration

	// Logger defaults to DefaultLogger.
	Logger Logger
}

// Registry holds the device tools the backend may invoke and tracks every
// in-flight call in both directions. Inbound requests execute on worker
// goroutines; outbound calls block until the backend answers. Tool work
// never blocks audio I/O.
type Registry struct {
	timeout time.Duration
	log     Logger

	mu      sync.Mutex
	tools   map[string]*registeredTool
	pending map[string]*pendingCall
	send    func(ctx context.Context, req *ToolCallRequest) error
}

type registeredTool struct {
	name   string
	fn     ExecutorFunc
	schema *jsonschema.Resolved
}

type pendingCall struct {
	id       string
	name     string
	outcome  chan ToolOutcome
	resolved atomic.Bool
	cancel   context.CancelFunc
}

// NewRegistry builds an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = DefaultLogger()
	}
	return &Registry{
		timeout: timeout,
		log:     log,
		tools:   make(map[string]*registeredTool),
		pending: make(map[string]*pendingCall),
	}
}

// Register adds a tool. The optional schema validates arguments before
// execution; it is resolved once here so Dispatch never pays for it.
func (r *Registry) Register(name string, schema *jsonschema.Schema, fn ExecutorFunc) error {
	if name == "" {
		return errors.New("chatpod: register tool: empty name")
	}
	if fn == nil {
		return fmt.Errorf("chatpod: register tool %s: nil executor", name)
	}
	var resolved *jsonschema.Resolved
	if schema != nil {
		var err error
		resolved, err = schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("chatpod: register tool %s: resolve schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("chatpod: register tool %s: already registered", name)
	}
	r.tools[name] = &registeredTool{name: name, fn: fn, schema: resolved}
	return nil
}

// Bind sets the sender Call uses to reach the backend. The session binds
// on connect and unbinds with nil on teardown.
func (r *Registry) Bind(send func(ctx context.Context, req *ToolCallRequest) error) {
	r.mu.Lock()
	r.send = send
	r.mu.Unlock()
}

// Pending returns the number of unresolved tool calls.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Dispatch executes an inbound tool call request. The result goes to
// deliver exactly once, from a worker goroutine unless the request is
// rejected before execution. Duplicate ids are an error; unknown names
// produce an immediate error result.
func (r *Registry) Dispatch(ctx context.Context, req *ToolCallRequest, deliver func(*ToolCallResult)) error {
	if req.ID == "" {
		return errors.New("chatpod: tool call without id")
	}

	r.mu.Lock()
	if _, ok := r.pending[req.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("chatpod: tool call %s: duplicate id", req.ID)
	}
	tool, ok := r.tools[req.Name]
	r.mu.Unlock()

	if !ok {
		r.log.WarnPrintf("tools: unknown tool %q (id %s)", req.Name, req.ID)
		deliver(errorResult(req.ID, toolCodeUnknown, fmt.Sprintf("unknown tool %q", req.Name)))
		return nil
	}

	args, parsed, err := cleanToolArgs(req.Args)
	if err != nil {
		deliver(errorResult(req.ID, toolCodeInvalidArgs, err.Error()))
		return nil
	}
	if tool.schema != nil {
		if err := tool.schema.Validate(parsed); err != nil {
			deliver(errorResult(req.ID, toolCodeInvalidArgs, err.Error()))
			return nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	entry := &pendingCall{
		id:      req.ID,
		name:    req.Name,
		outcome: make(chan ToolOutcome, 1),
		cancel:  cancel,
	}
	r.mu.Lock()
	r.pending[req.ID] = entry
	r.mu.Unlock()

	go func() {
		defer cancel()
		outcome := r.execute(callCtx, tool, entry, args)
		if !r.resolve(entry, outcome) {
			// CancelAll got there first; the transport is going away.
			return
		}
		deliver(resultFor(req.ID, outcome))
	}()
	return nil
}

// execute runs the tool body under the call deadline. The body runs in its
// own goroutine so a stuck executor cannot swallow the timeout.
func (r *Registry) execute(ctx context.Context, tool *registeredTool, entry *pendingCall, args json.RawMessage) ToolOutcome {
	bodyCh := make(chan ToolOutcome, 1)
	go func() {
		out, err := tool.fn(ctx, args)
		if err != nil {
			bodyCh <- ToolOutcome{Err: err}
			return
		}
		payload, err := json.Marshal(out)
		if err != nil {
			bodyCh <- ToolOutcome{Err: fmt.Errorf("marshal tool result: %w", err)}
			return
		}
		bodyCh <- ToolOutcome{Payload: payload}
	}()

	select {
	case o := <-bodyCh:
		if errors.Is(o.Err, context.DeadlineExceeded) {
			o.Err = &ToolError{ID: entry.id, Name: entry.name, Timeout: true}
		}
		return o
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.log.WarnPrintf("tools: %s (id %s) timed out after %s", entry.name, entry.id, r.timeout)
			return ToolOutcome{Err: &ToolError{ID: entry.id, Name: entry.name, Timeout: true}}
		}
		return ToolOutcome{Err: ctx.Err()}
	}
}

// Call invokes a backend-side tool and blocks until its result arrives,
// ctx ends, or CancelAll runs.
func (r *Registry) Call(ctx context.Context, name string, args any) (json.RawMessage, error) {
	r.mu.Lock()
	send := r.send
	r.mu.Unlock()
	if send == nil {
		return nil, errors.New("chatpod: tool call: no transport bound")
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("chatpod: tool call %s: marshal args: %w", name, err)
	}
	entry := &pendingCall{
		id:      uuid.NewString(),
		name:    name,
		outcome: make(chan ToolOutcome, 1),
	}
	r.mu.Lock()
	r.pending[entry.id] = entry
	r.mu.Unlock()

	req := &ToolCallRequest{ID: entry.id, Name: name, Args: raw}
	if err := send(ctx, req); err != nil {
		r.resolve(entry, ToolOutcome{})
		return nil, fmt.Errorf("chatpod: tool call %s: %w", name, err)
	}

	select {
	case <-ctx.Done():
		r.resolve(entry, ToolOutcome{})
		return nil, ctx.Err()
	case o := <-entry.outcome:
		return o.Payload, o.Err
	}
}

// HandleResult resolves the pending call a backend result answers.
// Duplicates and results for unknown ids are an error.
func (r *Registry) HandleResult(res *ToolCallResult) error {
	r.mu.Lock()
	entry, ok := r.pending[res.ID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("chatpod: tool result %s: no pending call", res.ID)
	}

	outcome := ToolOutcome{Payload: res.Payload}
	if res.Error != nil {
		outcome = ToolOutcome{Err: &ToolError{
			ID:      res.ID,
			Name:    entry.name,
			Timeout: res.Error.Code == toolCodeTimeout,
			Message: res.Error.Message,
		}}
	}
	if !r.resolve(entry, outcome) {
		return fmt.Errorf("chatpod: tool result %s: already resolved", res.ID)
	}
	return nil
}

// SubmitLocalResult resolves a pending call out-of-band. err wins over
// payload.
func (r *Registry) SubmitLocalResult(id string, payload any, err error) error {
	r.mu.Lock()
	entry, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("chatpod: local tool result %s: no pending call", id)
	}

	outcome := ToolOutcome{Err: err}
	if err == nil {
		raw, merr := json.Marshal(payload)
		if merr != nil {
			return fmt.Errorf("chatpod: local tool result %s: marshal: %w", id, merr)
		}
		outcome.Payload = raw
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	if !r.resolve(entry, outcome) {
		return fmt.Errorf("chatpod: local tool result %s: already resolved", id)
	}
	return nil
}

// CancelAll resolves every pending call with ErrToolCancelled. Teardown
// calls it so no waiter blocks forever.
func (r *Registry) CancelAll(cause error) {
	final := ErrToolCancelled
	if cause != nil && !errors.Is(cause, ErrToolCancelled) {
		final = fmt.Errorf("%w: %v", ErrToolCancelled, cause)
	}

	r.mu.Lock()
	entries := make([]*pendingCall, 0, len(r.pending))
	for _, e := range r.pending {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		if e.cancel != nil {
			e.cancel()
		}
		r.resolve(e, ToolOutcome{Err: final})
	}
}

// resolve settles a pending call exactly once and removes it from the
// table. It reports whether this call did the settling.
func (r *Registry) resolve(entry *pendingCall, o ToolOutcome) bool {
	if !entry.resolved.CompareAndSwap(false, true) {
		return false
	}
	r.mu.Lock()
	delete(r.pending, entry.id)
	r.mu.Unlock()
	entry.outcome <- o
	return true
}

func resultFor(id string, o ToolOutcome) *ToolCallResult {
	if o.Err == nil {
		return &ToolCallResult{ID: id, Payload: o.Payload}
	}
	var toolErr *ToolError
	if errors.As(o.Err, &toolErr) && toolErr.Timeout {
		return errorResult(id, toolCodeTimeout, o.Err.Error())
	}
	if errors.Is(o.Err, context.Canceled) || errors.Is(o.Err, ErrToolCancelled) {
		return errorResult(id, toolCodeCancelled, o.Err.Error())
	}
	return errorResult(id, toolCodeError, o.Err.Error())
}

func errorResult(id, code, message string) *ToolCallResult {
	return &ToolCallResult{ID: id, Error: &ToolResultError{Code: code, Message: message}}
}

// cleanToolArgs parses tool arguments, repairing sloppy JSON once before
// giving up. It returns the bytes the executor should see plus the decoded
// value for schema validation.
func cleanToolArgs(raw json.RawMessage) (json.RawMessage, any, error) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), map[string]any{}, nil
	}
	var v any
	err := json.Unmarshal(raw, &v)
	if err == nil {
		return raw, v, nil
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		fixed, rerr := jsonrepair.JSONRepair(string(raw))
		if rerr == nil {
			if uerr := json.Unmarshal([]byte(fixed), &v); uerr == nil {
				return json.RawMessage(fixed), v, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("parse tool arguments: %w", err)
}
