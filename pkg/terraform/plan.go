package terraform

import (
	"encoding/json"
	"fmt"

	"github.com/machinist/machinist/pkg/engine"
)

// planDocument is the subset of terraform's plan representation the
// summarizer needs (terraform show -json).
type planDocument struct {
	ResourceChanges []struct {
		Address string `json:"address"`
		Type    string `json:"type"`
		Name    string `json:"name"`
		Change  struct {
			Actions []string `json:"actions"`
		} `json:"change"`
	} `json:"resource_changes"`
}

// ParsePlan normalizes a machine-readable plan into a summary. A replace
// counts once as an add and once as a destroy, matching the totals
// terraform prints.
func ParsePlan(raw []byte) (*engine.PlanSummary, error) {
	var doc planDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid plan json: %w", err)
	}

	summary := &engine.PlanSummary{}
	for _, rc := range doc.ResourceChanges {
		action := normalizeActions(rc.Change.Actions)
		if action == "" {
			continue
		}

		switch action {
		case "create":
			summary.ResourcesToAdd++
		case "update":
			summary.ResourcesToChange++
		case "delete":
			summary.ResourcesToDestroy++
		case "replace":
			summary.ResourcesToAdd++
			summary.ResourcesToDestroy++
		}

		summary.Changes = append(summary.Changes, engine.ResourceChange{
			Address:      rc.Address,
			Action:       action,
			ResourceType: rc.Type,
			ResourceName: rc.Name,
		})
	}
	return summary, nil
}

// normalizeActions collapses terraform's action list into one verb.
// No-ops and reads are dropped from the summary entirely.
func normalizeActions(actions []string) string {
	switch len(actions) {
	case 1:
		switch actions[0] {
		case "create", "update", "delete":
			return actions[0]
		}
		return ""
	case 2:
		// Both replace orderings: delete-then-create and create-then-delete.
		if (actions[0] == "delete" && actions[1] == "create") ||
			(actions[0] == "create" && actions[1] == "delete") {
			return "replace"
		}
	}
	return ""
}

// outputValue is one entry of terraform output -json.
type outputValue struct {
	Value interface{} `json:"value"`
}

// ParseOutputs maps the workspace output values onto the stable output
// contract every provider module follows.
func ParseOutputs(raw []byte) (*engine.Outputs, error) {
	var values map[string]outputValue
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("invalid output json: %w", err)
	}

	out := &engine.Outputs{}
	out.ResourceID = stringOutput(values, "resource_id")
	out.PublicIP = stringOutput(values, "public_ip")
	out.PrivateIP = stringOutput(values, "private_ip")
	out.Status = engine.MachineStatus(stringOutput(values, "status"))
	out.Region = stringOutput(values, "region")
	out.Size = stringOutput(values, "size")
	out.FirewallID = stringOutput(values, "firewall_id")
	return out, nil
}

func stringOutput(values map[string]outputValue, key string) string {
	v, ok := values[key]
	if !ok || v.Value == nil {
		return ""
	}
	switch t := v.Value.(type) {
	case string:
		return t
	case float64:
		// Provider resource ids are numeric on some clouds.
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
