// Package policy decides whether a planned deployment may proceed without
// operator approval. Decisions are made by Rego rules: a built-in rule set
// plus any .rego files in the configured policy directory, which are
// hot-reloaded on change.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/machinist/machinist/pkg/engine"
)

// approvalQuery collects every deny reason from the approval package.
const approvalQuery = "data.machinist.policies.approval.deny"

// builtinApprovalPolicy withholds auto-approval from any plan that
// destroys resources and from plans touching more resources than the
// configured threshold. Operator-supplied .rego files add deny rules to
// the same package.
const builtinApprovalPolicy = `package machinist.policies.approval

deny contains msg if {
	input.plan.resources_to_destroy > 0
	msg := sprintf("plan destroys %d resource(s)", [input.plan.resources_to_destroy])
}

deny contains msg if {
	total := input.plan.resources_to_add + input.plan.resources_to_change + input.plan.resources_to_destroy
	total > input.thresholds.max_auto_approve_changes
	msg := sprintf("plan touches %d resources, above the auto-approve threshold of %d", [total, input.thresholds.max_auto_approve_changes])
}
`

// Config configures the approval engine.
type Config struct {
	// Dir holds operator .rego files. Empty disables custom policies.
	Dir string `yaml:"dir"`

	// MaxAutoApproveChanges is the largest plan (total resource changes)
	// the built-in policy lets through without an operator.
	MaxAutoApproveChanges int `yaml:"max_auto_approve_changes"`
}

// Engine evaluates deployment plans against the approval rules. It
// implements engine.ApprovalPolicy.
type Engine struct {
	mu       sync.RWMutex
	prepared rego.PreparedEvalQuery

	dir        string
	maxChanges int
	logger     zerolog.Logger
}

// NewEngine compiles the built-in policy plus any .rego files under
// cfg.Dir and prepares the approval query.
func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	if cfg.MaxAutoApproveChanges <= 0 {
		cfg.MaxAutoApproveChanges = 3
	}

	e := &Engine{
		dir:        cfg.Dir,
		maxChanges: cfg.MaxAutoApproveChanges,
		logger:     logger.With().Str("component", "policy").Logger(),
	}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload recompiles all policy sources. Called at startup and by the
// directory watcher.
func (e *Engine) Reload(ctx context.Context) error {
	options := []func(*rego.Rego){
		rego.Query(approvalQuery),
		rego.Module("builtin/approval.rego", builtinApprovalPolicy),
	}

	if e.dir != "" {
		files, err := listRegoFiles(e.dir)
		if err != nil {
			return err
		}
		for _, path := range files {
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy %s: %w", path, err)
			}
			options = append(options, rego.Module(filepath.Base(path), string(raw)))
		}
		e.logger.Info().Int("count", len(files)).Str("dir", e.dir).Msg("policies loaded")
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile approval policies: %w", err)
	}

	e.mu.Lock()
	e.prepared = prepared
	e.mu.Unlock()
	return nil
}

// Decide evaluates the approval rules against a planned deployment. Any
// deny reason withholds auto-approval.
func (e *Engine) Decide(ctx context.Context, d *engine.Deployment, plan *engine.PlanSummary) (*engine.ApprovalDecision, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	input := map[string]interface{}{
		"deployment": map[string]interface{}{
			"id":         d.ID,
			"type":       string(d.Type),
			"machine_id": d.MachineID,
			"initiator":  d.Initiator,
		},
		"plan": map[string]interface{}{
			"resources_to_add":     plan.ResourcesToAdd,
			"resources_to_change":  plan.ResourcesToChange,
			"resources_to_destroy": plan.ResourcesToDestroy,
			"changes":              changesInput(plan.Changes),
		},
		"thresholds": map[string]interface{}{
			"max_auto_approve_changes": e.maxChanges,
		},
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("approval evaluation failed: %w", err)
	}

	var reasons []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				reasons = append(reasons, fmt.Sprintf("%v", d))
			}
		}
	}

	return &engine.ApprovalDecision{
		AutoApprove: len(reasons) == 0,
		Reasons:     reasons,
	}, nil
}

func changesInput(changes []engine.ResourceChange) []interface{} {
	out := make([]interface{}, 0, len(changes))
	for _, c := range changes {
		out = append(out, map[string]interface{}{
			"address":       c.Address,
			"action":        c.Action,
			"resource_type": c.ResourceType,
		})
	}
	return out
}

func listRegoFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read policy dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}
