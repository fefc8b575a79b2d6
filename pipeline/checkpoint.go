// ABOUTME: Checkpoint persistence for resuming pipeline runs across process restarts.
// ABOUTME: A checkpoint captures the frontier, completed nodes, context, and a blake3 graph identity.
package pipeline

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/basin-run/basin/dot"
)

// Checkpoint is a serializable snapshot of run state, written after each
// applied outcome. Restoring it resumes the run from the saved frontier.
type Checkpoint struct {
	CompletedNodeIDs []string         `json:"completedNodeIds"`
	Context          map[string]Value `json:"context"`
	Frontier         []string         `json:"frontier"`
	GraphIdentity    string           `json:"graphIdentity"`
	NodeRetries      map[string]int   `json:"nodeRetries,omitempty"`
	SavedAt          time.Time        `json:"savedAt"`
}

// GraphIdentity hashes the graph's canonical serialization. Two graphs
// with identical structure share an identity, so a checkpoint survives
// reformatting of the DOT source but not structural edits.
func GraphIdentity(g *dot.Graph) string {
	sum := blake3.Sum256([]byte(dot.Serialize(g)))
	return hex.EncodeToString(sum[:])
}

// NewCheckpoint captures the current run state.
func NewCheckpoint(g *dot.Graph, ctx *Context, completed []string, frontier []string, retries map[string]int) *Checkpoint {
	completedCopy := make([]string, len(completed))
	copy(completedCopy, completed)
	frontierCopy := make([]string, len(frontier))
	copy(frontierCopy, frontier)
	retriesCopy := make(map[string]int, len(retries))
	for k, v := range retries {
		retriesCopy[k] = v
	}
	return &Checkpoint{
		CompletedNodeIDs: completedCopy,
		Context:          ctx.Snapshot(),
		Frontier:         frontierCopy,
		GraphIdentity:    GraphIdentity(g),
		NodeRetries:      retriesCopy,
		SavedAt:          time.Now().UTC(),
	}
}

// CheckpointPath returns the checkpoint location under a logs root.
func CheckpointPath(logsRoot string) string {
	return filepath.Join(logsRoot, "checkpoint.json")
}

// Save writes the checkpoint, overwriting any previous one.
func (cp *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadCheckpoint reads a checkpoint from disk.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Matches reports whether the checkpoint belongs to the given graph.
func (cp *Checkpoint) Matches(g *dot.Graph) bool {
	return cp.GraphIdentity != "" && cp.GraphIdentity == GraphIdentity(g)
}
