// ABOUTME: Handler contract, registry, and the built-in start/exit/conditional/join/codergen handlers.
// ABOUTME: Handlers map node types to execution; unknown types fail the stage before execution.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basin-run/basin/dot"
)

// StageRequest carries everything a handler may need to execute a node.
type StageRequest struct {
	Node      *dot.Node
	Graph     *dot.Graph
	Context   *Context
	Artifacts *ArtifactStore
	LogsRoot  string
}

// Handler executes one stage. A returned Outcome routes the run; a
// returned error is an infrastructure failure and fails the stage with
// the error text as the failure reason.
type Handler interface {
	Execute(ctx context.Context, req *StageRequest) (*Outcome, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *StageRequest) (*Outcome, error)

// Execute calls the function.
func (f HandlerFunc) Execute(ctx context.Context, req *StageRequest) (*Outcome, error) {
	return f(ctx, req)
}

// HandlerRegistry maps node type strings to handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a node type, replacing any previous binding.
func (r *HandlerRegistry) Register(nodeType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = h
}

// Get returns the handler for a type.
func (r *HandlerRegistry) Get(nodeType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Resolve returns the handler for a node based on its resolved type.
// Nodes with no type resolve to the default "codergen" handler when one
// is registered.
func (r *HandlerRegistry) Resolve(node *dot.Node) (Handler, error) {
	nodeType := node.Type()
	if nodeType == "" {
		nodeType = "codergen"
	}
	if h, ok := r.Get(nodeType); ok {
		return h, nil
	}
	return nil, fmt.Errorf("no handler registered for type %q (node %q)", nodeType, node.ID)
}

// Types returns all registered type strings, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DefaultHandlerRegistry wires the built-in handlers. The interviewer
// backs the human gate; the backend backs codergen stages.
func DefaultHandlerRegistry(backend Backend, interviewer Interviewer) *HandlerRegistry {
	r := NewHandlerRegistry()
	r.Register("start", &StartHandler{})
	r.Register("exit", &ExitHandler{})
	r.Register("conditional", &ConditionalHandler{})
	r.Register("join", &JoinHandler{})
	r.Register("parallel", &FanOutHandler{})
	r.Register("codergen", &CodergenHandler{Backend: backend})
	r.Register("wait.human", &HumanGateHandler{Interviewer: interviewer})
	return r
}

// StartHandler marks the run as underway. Node attributes prefixed
// "context_" seed initial context values.
type StartHandler struct{}

// Execute seeds context from the start node's attributes.
func (h *StartHandler) Execute(ctx context.Context, req *StageRequest) (*Outcome, error) {
	updates := make(map[string]Value)
	for key, raw := range req.Node.Attrs {
		if rest, ok := strings.CutPrefix(key, "context_"); ok && rest != "" {
			updates[rest] = StringValue(raw)
		}
	}
	return &Outcome{Status: StatusSuccess, ContextUpdates: updates}, nil
}

// ExitHandler terminates a branch successfully.
type ExitHandler struct{}

// Execute reports success; reaching an exit node completes the run.
func (h *ExitHandler) Execute(ctx context.Context, req *StageRequest) (*Outcome, error) {
	return &Outcome{Status: StatusSuccess, Notes: "pipeline exit"}, nil
}

// ConditionalHandler is a pure routing point: it succeeds immediately and
// lets edge conditions pick the next stage.
type ConditionalHandler struct{}

// Execute succeeds without side effects.
func (h *ConditionalHandler) Execute(ctx context.Context, req *StageRequest) (*Outcome, error) {
	return &Outcome{Status: StatusSuccess}, nil
}

// JoinHandler is where parallel branches converge. Execution after a
// merge behaves like any other pass-through stage.
type JoinHandler struct{}

// Execute succeeds without side effects.
func (h *JoinHandler) Execute(ctx context.Context, req *StageRequest) (*Outcome, error) {
	return &Outcome{Status: StatusSuccess}, nil
}

// FanOutHandler executes the fan-out node itself. The runner detects the
// parallel region and runs the branches; this handler only marks the
// fan-out stage done.
type FanOutHandler struct{}

// Execute succeeds without side effects.
func (h *FanOutHandler) Execute(ctx context.Context, req *StageRequest) (*Outcome, error) {
	return &Outcome{Status: StatusSuccess}, nil
}

// BackendRunOptions parameterizes one backend invocation.
type BackendRunOptions struct {
	Prompt    string
	Model     string
	WorkDir   string
	TimeoutMS int
	Env       map[string]string
}

// Backend runs a code-generation task and returns its textual output.
// Implementations are expected to write a status file under the stage's
// log directory when they have routing intent.
type Backend interface {
	Run(ctx context.Context, opts BackendRunOptions) (string, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, opts BackendRunOptions) (string, error)

// Run calls the function.
func (f BackendFunc) Run(ctx context.Context, opts BackendRunOptions) (string, error) {
	return f(ctx, opts)
}

// StubBackend echoes a canned response, for tests and dry runs.
type StubBackend struct {
	Response string
	Err      error
	Delay    time.Duration

	mu    sync.Mutex
	calls []BackendRunOptions
}

// Run records the invocation and returns the canned response.
func (s *StubBackend) Run(ctx context.Context, opts BackendRunOptions) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, opts)
	s.mu.Unlock()
	if s.Delay > 0 {
		sleepWithContext(ctx, s.Delay)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Err != nil {
		return "", s.Err
	}
	if s.Response != "" {
		return s.Response, nil
	}
	return "ok", nil
}

// Calls returns every recorded invocation.
func (s *StubBackend) Calls() []BackendRunOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BackendRunOptions, len(s.calls))
	copy(out, s.calls)
	return out
}

// CodergenHandler delegates a stage to a code-generation backend. The
// backend's status file, when present and valid, is the stage outcome;
// otherwise the stage succeeds with the backend output as notes.
type CodergenHandler struct {
	Backend Backend
}

// Execute runs the backend and resolves the outcome from its status file.
func (h *CodergenHandler) Execute(ctx context.Context, req *StageRequest) (*Outcome, error) {
	if h.Backend == nil {
		return nil, fmt.Errorf("no backend configured for codergen node %q", req.Node.ID)
	}
	opts := BackendRunOptions{
		Prompt:    req.Node.Attrs.Get("prompt"),
		Model:     req.Node.Attrs.Get("model"),
		WorkDir:   req.Node.Attrs.Get("workdir"),
		TimeoutMS: req.Node.Attrs.GetInt("timeout_ms"),
	}
	if opts.Prompt == "" {
		opts.Prompt = req.Node.Attrs.Get("label")
	}
	output, err := h.Backend.Run(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("backend run for node %q: %w", req.Node.ID, err)
	}

	if req.Artifacts != nil && output != "" {
		if err := req.Artifacts.PutString(req.Node.ID+".output", output); err != nil {
			return nil, err
		}
	}

	// The backend may have dropped a status file with routing intent.
	// Absent or invalid files fall back to plain success.
	fallback := &Outcome{Status: StatusSuccess, Notes: output}
	if req.LogsRoot == "" {
		return fallback, nil
	}
	return ReadStatusFile(req.LogsRoot, req.Node.ID, fallback), nil
}
