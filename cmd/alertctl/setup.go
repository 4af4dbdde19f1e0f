package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Manage exception types and alert rules",
}

var setupApplyCmd = &cobra.Command{
	Use:   "apply [file]",
	Short: "Create exception types, trigger conditions and rules from a JSON file",
	Long: `Create exception types, trigger conditions and rules from a JSON file:

  {"exception_types": [{
    "name": "ORDER_STUCK",
    "rules": [
      {"level": "LEVEL_1", "action": {"type": "LOG"},
       "condition": {"type": "RELATIVE", "relative_event_type": "EXCEPTION_DETECTED", "relative_delay_minutes": 30}},
      {"level": "LEVEL_2", "action": {"type": "EMAIL", "recipients": ["ops@example.com"]},
       "condition": {"type": "HYBRID", "logical_operator": "OR", "conditions": [
         {"type": "ABSOLUTE", "absolute_time": "18:00"},
         {"type": "RELATIVE", "relative_event_type": "SHIFT_START", "relative_delay_minutes": 480}]}}
    ]
  }]}`,
	Args: cobra.ExactArgs(1),
	RunE: runSetupApply,
}

func init() {
	setupCmd.AddCommand(setupApplyCmd)
}

type conditionSpec struct {
	model.TriggerCondition
	Conditions []conditionSpec `json:"conditions,omitempty"`
}

type ruleSpec struct {
	Level     string             `json:"level"`
	Priority  *int               `json:"priority,omitempty"`
	Enabled   *bool              `json:"enabled,omitempty"`
	Action    model.ActionConfig `json:"action"`
	Condition conditionSpec      `json:"condition"`
}

type exceptionTypeSpec struct {
	model.ExceptionType
	Enabled *bool      `json:"enabled,omitempty"`
	Rules   []ruleSpec `json:"rules"`
}

type setupFile struct {
	ExceptionTypes []exceptionTypeSpec `json:"exception_types"`
}

func runSetupApply(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var file setupFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}

	return withStore(func(store *storage.SQLiteStore) error {
		ctx := cmd.Context()
		for _, spec := range file.ExceptionTypes {
			et := spec.ExceptionType
			et.Enabled = spec.Enabled == nil || *spec.Enabled
			if err := store.CreateExceptionType(ctx, &et); err != nil {
				return err
			}
			fmt.Printf("Exception type %d: %s\n", et.ID, et.Name)

			for _, rs := range spec.Rules {
				condID, err := createCondition(ctx, store, rs.Condition)
				if err != nil {
					return err
				}
				rule := &model.AlertRule{
					ExceptionTypeID:    et.ID,
					Level:              rs.Level,
					TriggerConditionID: condID,
					Action:             rs.Action,
					Priority:           model.DefaultTaskPriority,
					Enabled:            rs.Enabled == nil || *rs.Enabled,
				}
				if rs.Priority != nil {
					rule.Priority = *rs.Priority
				}
				if model.LevelPriority(rule.Level) == 0 {
					return fmt.Errorf("rule of %s has unknown level %q", et.Name, rule.Level)
				}
				if err := store.CreateRule(ctx, rule); err != nil {
					return err
				}
				fmt.Printf("  rule %d: %s -> %s (condition %d)\n", rule.ID, rule.Level, rule.Action.Type, condID)
			}
		}
		return nil
	})
}

// createCondition stores the sub-conditions of a hybrid condition before the condition itself
func createCondition(ctx context.Context, store *storage.SQLiteStore, spec conditionSpec) (int64, error) {
	cond := spec.TriggerCondition
	for _, sub := range spec.Conditions {
		id, err := createCondition(ctx, store, sub)
		if err != nil {
			return 0, err
		}
		cond.CombinedConditionIDs = append(cond.CombinedConditionIDs, id)
	}
	if err := store.CreateCondition(ctx, &cond); err != nil {
		return 0, err
	}
	return cond.ID, nil
}
