// ABOUTME: The pipeline runner: walks the graph frontier, executes handlers, applies outcomes, and routes.
// ABOUTME: Owns retries, stage timeouts, parallel regions, checkpointing, and the event stream.
package pipeline

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/basin-run/basin/dot"
)

// maxIterations guards against routing cycles that never reach an exit.
const maxIterations = 10000

// RunnerConfig configures a Runner. Zero values get sensible defaults:
// a stub backend, an auto-approving interviewer, and a fresh ULID run ID.
type RunnerConfig struct {
	LogsRoot     string
	Handlers     *HandlerRegistry
	Events       EventSink
	Interviewer  Interviewer
	Backend      Backend
	Retry        RetryPolicy
	MaxParallel  int
	StageTimeout time.Duration
	Checkpoints  bool
	PipelineID   string
}

// Runner executes a parsed pipeline graph.
type Runner struct {
	cfg       RunnerConfig
	events    EventSink
	artifacts *ArtifactStore
}

// RunResult is the terminal state of a run.
type RunResult struct {
	PipelineID     string
	FinalStatus    StageStatus
	FailureReason  string
	CompletedNodes []string
	NodeOutcomes   map[string]*Outcome
	Context        *Context
}

// NewRunner creates a runner, filling config defaults.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.LogsRoot == "" {
		cfg.LogsRoot = "basin-logs"
	}
	if cfg.PipelineID == "" {
		cfg.PipelineID = ulid.MustNew(ulid.Now(), crand.Reader).String()
	}
	if cfg.Backend == nil {
		cfg.Backend = &StubBackend{}
	}
	if cfg.Interviewer == nil {
		cfg.Interviewer = NewAutoApproveInterviewer()
	}
	if cfg.Handlers == nil {
		cfg.Handlers = DefaultHandlerRegistry(cfg.Backend, cfg.Interviewer)
	}
	if cfg.Retry.Backoff.InitialDelay == 0 {
		cfg.Retry.Backoff = DefaultBackoff()
	}
	events := cfg.Events
	if events == nil {
		events = SinkFunc(func(Event) {})
	}
	return &Runner{
		cfg:       cfg,
		events:    events,
		artifacts: NewArtifactStore(filepath.Join(cfg.LogsRoot, "artifacts")),
	}
}

// Artifacts exposes the run's artifact store.
func (r *Runner) Artifacts() *ArtifactStore { return r.artifacts }

// PipelineID returns the run identifier.
func (r *Runner) PipelineID() string { return r.cfg.PipelineID }

// Run executes the graph from its start node to an exit node.
func (r *Runner) Run(ctx context.Context, g *dot.Graph) (*RunResult, error) {
	start := g.FindStartNode()
	if start == nil {
		return nil, errors.New("no start node")
	}
	r.emit(EventPipelineStarted, "", map[string]any{"graph": g.Name})
	return r.runToEnd(ctx, g, []string{start.ID}, NewContext(), nil, nil)
}

// Resume continues a run from its checkpoint. A missing checkpoint or one
// from a structurally different graph starts fresh instead.
func (r *Runner) Resume(ctx context.Context, g *dot.Graph) (*RunResult, error) {
	cp, err := LoadCheckpoint(CheckpointPath(r.cfg.LogsRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return r.Run(ctx, g)
		}
		return nil, err
	}
	if !cp.Matches(g) || len(cp.Frontier) == 0 {
		return r.Run(ctx, g)
	}

	pctx := NewContext()
	pctx.ApplyUpdates(cp.Context)
	r.emit(EventPipelineRestarted, "", map[string]any{
		"frontier":  cp.Frontier,
		"completed": len(cp.CompletedNodeIDs),
	})
	return r.runToEnd(ctx, g, cp.Frontier, pctx, cp.CompletedNodeIDs, cp.NodeRetries)
}

// runToEnd drives the top-level loop and shapes the result.
func (r *Runner) runToEnd(ctx context.Context, g *dot.Graph, frontier []string, pctx *Context, completed []string, retries map[string]int) (*RunResult, error) {
	res := r.runLoop(ctx, g, frontier, pctx, "", r.cfg.Checkpoints, completed, retries)

	result := &RunResult{
		PipelineID:     r.cfg.PipelineID,
		CompletedNodes: res.completed,
		NodeOutcomes:   res.outcomes,
		Context:        pctx,
	}
	if res.failReason != "" {
		result.FinalStatus = StatusFail
		result.FailureReason = res.failReason
		r.emit(EventPipelineFailed, res.lastNodeID, map[string]any{"reason": res.failReason})
		return result, nil
	}
	result.FinalStatus = StatusSuccess
	r.emit(EventPipelineCompleted, res.lastNodeID, nil)
	return result, nil
}

// loopResult is the terminal state of one frontier loop: the main run or
// a single parallel branch.
type loopResult struct {
	completed   []string
	outcomes    map[string]*Outcome
	lastNodeID  string
	lastOutcome *Outcome
	failReason  string
	reachedStop bool
}

// runLoop walks an ordered frontier. Retries re-push the same node at the
// head; routed successors append at the tail. When stopAt is non-empty the
// loop ends as soon as routing reaches it, without executing it.
func (r *Runner) runLoop(ctx context.Context, g *dot.Graph, frontier []string, pctx *Context, stopAt string, checkpoints bool, completed []string, retries map[string]int) *loopResult {
	res := &loopResult{outcomes: make(map[string]*Outcome)}
	res.completed = append(res.completed, completed...)
	if retries == nil {
		retries = make(map[string]int)
	} else {
		copied := make(map[string]int, len(retries))
		for k, v := range retries {
			copied[k] = v
		}
		retries = copied
	}

	for iter := 0; len(frontier) > 0; iter++ {
		if iter >= maxIterations {
			res.failReason = fmt.Sprintf("aborted after %d stage executions, likely a routing cycle", maxIterations)
			return res
		}
		if err := ctx.Err(); err != nil {
			res.failReason = "cancelled"
			return res
		}

		nodeID := frontier[0]
		frontier = frontier[1:]
		node := g.FindNode(nodeID)
		if node == nil {
			res.failReason = fmt.Sprintf("frontier references unknown node %q", nodeID)
			return res
		}
		res.lastNodeID = nodeID

		r.emit(EventStageStarted, nodeID, map[string]any{"type": node.Type()})
		outcome := r.executeStage(ctx, g, node, pctx)

		if outcome.Status == StatusRetry {
			maxRetries := resolveMaxRetries(node, g, r.cfg.Retry.MaxRetries)
			if retries[nodeID] < maxRetries {
				attempt := retries[nodeID]
				retries[nodeID]++
				r.emit(EventStageRetrying, nodeID, map[string]any{
					"attempt": attempt + 1,
					"max":     maxRetries,
					"reason":  outcome.FailureReason,
				})
				sleepWithContext(ctx, r.cfg.Retry.Backoff.DelayForAttempt(attempt))
				frontier = append([]string{nodeID}, frontier...)
				continue
			}
			outcome = &Outcome{
				Status:        StatusFail,
				FailureReason: fmt.Sprintf("retry limit %d exceeded: %s", maxRetries, outcome.FailureReason),
			}
		}

		r.applyOutcome(g, node, outcome, pctx)
		res.completed = append(res.completed, nodeID)
		res.outcomes[nodeID] = outcome
		res.lastOutcome = outcome

		if outcome.Status == StatusFail {
			r.emit(EventStageFailed, nodeID, map[string]any{"reason": outcome.FailureReason})
		} else {
			r.emit(EventStageCompleted, nodeID, map[string]any{"outcome": string(outcome.Status)})
		}

		if node.IsExit() && outcome.Status != StatusFail {
			res.reachedStop = stopAt == ""
			return res
		}

		// Fan-out regions bypass single-successor routing.
		if outcome.Status == StatusSuccess || outcome.Status == StatusSkip {
			if targets := parallelTargets(g, node, outcome, pctx); targets != nil {
				regionOutcome, joinID := r.runParallelRegion(ctx, g, node, targets, pctx)
				if regionOutcome.Status == StatusFail {
					outcome = regionOutcome
					res.outcomes[nodeID] = outcome
					res.lastOutcome = outcome
					if next, ok := SelectNext(g, node, outcome, pctx); ok && next != joinID {
						frontier = append(frontier, next)
						continue
					}
					res.failReason = outcome.FailureReason
					return res
				}
				if joinID == "" {
					// Branches never converge; they ran to their own ends.
					return res
				}
				if stopAt != "" && joinID == stopAt {
					res.reachedStop = true
					return res
				}
				frontier = append(frontier, joinID)
				if checkpoints {
					r.saveCheckpoint(g, pctx, res.completed, frontier, retries)
				}
				continue
			}
		}

		next, ok := SelectNext(g, node, outcome, pctx)
		if !ok {
			if outcome.Status == StatusFail {
				res.failReason = outcome.FailureReason
			} else if !node.IsExit() {
				res.failReason = fmt.Sprintf("no route from node %q", nodeID)
			}
			return res
		}
		if stopAt != "" && next == stopAt {
			res.reachedStop = true
			return res
		}
		frontier = append(frontier, next)
		// The frontier now holds the routed successor, so a resume picks
		// up exactly where this iteration left off.
		if checkpoints {
			r.saveCheckpoint(g, pctx, res.completed, frontier, retries)
		}
	}

	if stopAt != "" {
		res.failReason = fmt.Sprintf("branch ended without reaching join %q", stopAt)
	} else if res.lastOutcome == nil || res.lastOutcome.Status == StatusFail {
		res.failReason = "frontier drained without reaching an exit node"
	}
	return res
}

// executeStage resolves and runs the node's handler under the stage
// timeout, converting errors and panics into fail outcomes.
func (r *Runner) executeStage(ctx context.Context, g *dot.Graph, node *dot.Node, pctx *Context) *Outcome {
	handler, err := r.cfg.Handlers.Resolve(node)
	if err != nil {
		return &Outcome{Status: StatusFail, FailureReason: err.Error()}
	}

	stageCtx := ctx
	// Human gates convert their own timeout into a default answer, so the
	// deadline must not kill the handler first.
	if timeout := resolveStageTimeout(node, g, r.cfg.StageTimeout); timeout > 0 && node.Type() != "wait.human" {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := &StageRequest{
		Node:      node,
		Graph:     g,
		Context:   pctx,
		Artifacts: r.artifacts,
		LogsRoot:  r.cfg.LogsRoot,
	}
	outcome, err := safeExecute(stageCtx, handler, req)
	if err != nil {
		reason := err.Error()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reason = fmt.Sprintf("node %q timed out", node.ID)
		case errors.Is(err, context.Canceled):
			reason = fmt.Sprintf("node %q cancelled", node.ID)
		}
		return &Outcome{Status: StatusFail, FailureReason: reason}
	}
	if outcome == nil {
		return &Outcome{Status: StatusFail, FailureReason: fmt.Sprintf("handler for node %q returned no outcome", node.ID)}
	}
	if err := outcome.Validate(); err != nil {
		if outcome.Status == StatusFail || outcome.Status == StatusRetry {
			outcome.FailureReason = "unspecified failure"
			return outcome
		}
		return &Outcome{Status: StatusFail, FailureReason: err.Error()}
	}
	return outcome
}

// safeExecute runs a handler, converting panics into errors so one broken
// handler cannot take down the run.
func safeExecute(ctx context.Context, h Handler, req *StageRequest) (outcome *Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = nil
			err = fmt.Errorf("handler for node %q panicked: %v", req.Node.ID, rec)
		}
	}()
	return h.Execute(ctx, req)
}

// applyOutcome persists the status file, merges context updates on
// success and skip, and records the routing keys.
func (r *Runner) applyOutcome(g *dot.Graph, node *dot.Node, outcome *Outcome, pctx *Context) {
	if err := WriteStatusFile(r.cfg.LogsRoot, node.ID, outcome); err != nil {
		r.emit(EventStageFailed, node.ID, map[string]any{"reason": "write status file: " + err.Error()})
	}
	if outcome.Status == StatusSuccess || outcome.Status == StatusSkip {
		pctx.ApplyUpdates(outcome.ContextUpdates)
	}
	pctx.SetString("outcome", string(outcome.Status))
	pctx.SetString("preferred_label", outcome.PreferredLabel)
}

// runParallelRegion runs each branch on an isolated context clone, waits
// for all of them, and merges the clones in declaration order when every
// branch succeeds. A failed branch fails the region; sibling results are
// discarded, never merged.
func (r *Runner) runParallelRegion(ctx context.Context, g *dot.Graph, node *dot.Node, targets []string, pctx *Context) (*Outcome, string) {
	joinID := findJoinNode(g, targets)
	limit := resolveMaxParallel(g, r.cfg.MaxParallel, len(targets))
	sem := make(chan struct{}, limit)

	r.emit(EventParallelStarted, node.ID, map[string]any{
		"branches": targets,
		"join":     joinID,
		"limit":    limit,
	})

	results := make([]BranchResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			r.emit(EventParallelBranchStarted, target, map[string]any{"fan_out": node.ID})
			clone := pctx.Clone()
			branch := r.runLoop(ctx, g, []string{target}, clone, joinID, false, nil, nil)

			result := BranchResult{NodeID: target, Outcome: branch.lastOutcome, Context: clone}
			if branch.failReason != "" {
				result.Err = errors.New(branch.failReason)
			}
			results[i] = result
			r.emit(EventParallelBranchCompleted, target, map[string]any{"failed": result.Failed()})
		}(i, target)
	}
	wg.Wait()

	for _, br := range results {
		if br.Failed() {
			reason := fmt.Sprintf("parallel branch %q failed", br.NodeID)
			if br.Err != nil {
				reason = fmt.Sprintf("parallel branch %q failed: %v", br.NodeID, br.Err)
			} else if br.Outcome != nil && br.Outcome.FailureReason != "" {
				reason = fmt.Sprintf("parallel branch %q failed: %s", br.NodeID, br.Outcome.FailureReason)
			}
			r.emit(EventParallelCompleted, node.ID, map[string]any{"failed": true})
			return &Outcome{Status: StatusFail, FailureReason: reason}, joinID
		}
	}

	// Declaration order: later branches overwrite earlier ones key by key.
	for _, br := range results {
		pctx.ApplyUpdates(br.Context.Snapshot())
	}
	r.emit(EventParallelCompleted, node.ID, map[string]any{"failed": false})
	return &Outcome{Status: StatusSuccess}, joinID
}

// saveCheckpoint persists run state; failures are reported on the event
// stream but never fail the run.
func (r *Runner) saveCheckpoint(g *dot.Graph, pctx *Context, completed, frontier []string, retries map[string]int) {
	cp := NewCheckpoint(g, pctx, completed, frontier, retries)
	if err := cp.Save(CheckpointPath(r.cfg.LogsRoot)); err != nil {
		r.emit(EventCheckpointSaved, "", map[string]any{"error": err.Error()})
		return
	}
	r.emit(EventCheckpointSaved, "", map[string]any{"frontier": frontier})
}

func (r *Runner) emit(kind EventKind, nodeID string, data map[string]any) {
	r.events.Emit(Event{
		Kind:       kind,
		Timestamp:  time.Now().UTC(),
		PipelineID: r.cfg.PipelineID,
		NodeID:     nodeID,
		Data:       data,
	})
}
