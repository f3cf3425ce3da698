package main

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rendis/gastown/internal/approval"
	"github.com/rendis/gastown/internal/expressions"
	"github.com/rendis/gastown/internal/workflow"
	"github.com/rendis/gastown/pkg/schema"
)

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Work with declarative workflows"}
	cmd.AddCommand(workflowRunCmd())
	cmd.AddCommand(workflowValidateCmd())
	return cmd
}

func workflowRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <definition.yaml>",
		Short: "Execute a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cel, err := expressions.NewCELEngine()
			if err != nil {
				return err
			}
			busClient := newBusClient()
			registry, err := newToolRegistry(busClient)
			if err != nil {
				return err
			}

			services := workflow.Services{
				LLM:       newLLMClient(),
				Discovery: newResolver(),
				Tools:     registry,
				Gates:     approval.NewGates(viper.GetDuration("approval-timeout")),
				Branch:    cel,
				Logger:    logger,
			}

			opts := []workflow.RunnerOption{workflow.WithRunnerLogger(logger)}
			if viper.GetBool("history") {
				st, err := openStore()
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.Migrate(cmd.Context()); err != nil {
					return err
				}
				opts = append(opts, workflow.WithStore(st))
			}
			runner := workflow.NewRunner(services, opts...)

			loader, err := workflow.NewLoader()
			if err != nil {
				return err
			}

			run, runErr := runner.RunFile(cmd.Context(), loader, args[0], parseInputs(viper.GetStringSlice("input")))
			if run != nil {
				if printErr := printJSON(cmd, run); printErr != nil {
					return printErr
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringSlice("input", nil, "global input as key=value (repeatable)")
	cmd.Flags().Bool("history", false, "record the run in the local store")
	cmd.Flags().Duration("approval-timeout", 5*time.Minute, "tool approval timeout (denied on expiry)")
	_ = viper.BindPFlag("input", cmd.Flags().Lookup("input"))
	_ = viper.BindPFlag("history", cmd.Flags().Lookup("history"))
	_ = viper.BindPFlag("approval-timeout", cmd.Flags().Lookup("approval-timeout"))
	return cmd
}

func workflowValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.yaml>",
		Short: "Validate a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var def schema.WorkflowDefinition
			if err := yaml.Unmarshal(raw, &def); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "invalid workflow YAML: %s", err)
			}

			validator, err := workflow.NewValidator()
			if err != nil {
				return err
			}
			result := validator.Check(&def)
			if err := printJSON(cmd, map[string]any{
				"name":     def.Name,
				"nodes":    len(def.Nodes),
				"valid":    result.Valid(),
				"errors":   result.Errors,
				"warnings": result.Warnings,
			}); err != nil {
				return err
			}
			return result.ToError()
		},
	}
}

// parseInputs turns key=value pairs into the run's global inputs.
func parseInputs(pairs []string) map[string]any {
	if len(pairs) == 0 {
		return nil
	}
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			continue
		}
		inputs[key] = value
	}
	return inputs
}
