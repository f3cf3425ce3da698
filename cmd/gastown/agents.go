package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/gastown/internal/bus"
	"github.com/rendis/gastown/internal/dispatch"
	"github.com/rendis/gastown/internal/durable"
	"github.com/rendis/gastown/internal/swarm"
	"github.com/rendis/gastown/pkg/schema"
)

func managerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Decompose a goal, dispatch technicians, aggregate and verify",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			llmBase, err := resolveLLMBase(cmd)
			if err != nil {
				return err
			}

			dispatcher := dispatch.NewNomadDispatcher(
				viper.GetString("nomad"),
				dispatch.WithImage(viper.GetString("image")),
				dispatch.WithConsulAddr(viper.GetString("consul")),
			)

			cfg := swarm.ManagerConfig{
				TaskID:        viper.GetString("task-id"),
				Goal:          viper.GetString("goal"),
				Context:       viper.GetString("context"),
				LLMBaseURL:    llmBase,
				PollInterval:  viper.GetDuration("poll-interval"),
				ReduceTimeout: viper.GetDuration("reduce-timeout"),
				VerifyTimeout: viper.GetDuration("verify-timeout"),
			}

			if viper.GetBool("durable") {
				if cfg.TaskID == "" {
					cfg.TaskID = "manager-" + uuid.NewString()[:8]
				}
				st, err := openStore()
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.Migrate(cmd.Context()); err != nil {
					return err
				}
				cfg.Flow = durable.NewFlow(st, cfg.TaskID)
			}

			mgr := swarm.NewManager(cfg, newBusClient(), newLLMClient(), dispatcher, logger)

			result, err := mgr.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}

	cmd.Flags().String("goal", "", "goal to decompose and execute")
	cmd.Flags().String("nomad", "http://127.0.0.1:4646", "Nomad API address")
	cmd.Flags().String("image", "gastown:latest", "worker container image")
	cmd.Flags().Duration("poll-interval", 5*time.Second, "result poll interval")
	cmd.Flags().Duration("reduce-timeout", 10*time.Minute, "deadline for collecting sub-task results")
	cmd.Flags().Duration("verify-timeout", 5*time.Minute, "deadline for the judge verdict")
	cmd.Flags().Bool("durable", false, "record phases in the execution log so a restart resumes the run")
	_ = viper.BindPFlag("goal", cmd.Flags().Lookup("goal"))
	_ = viper.BindPFlag("nomad", cmd.Flags().Lookup("nomad"))
	_ = viper.BindPFlag("image", cmd.Flags().Lookup("image"))
	_ = viper.BindPFlag("poll-interval", cmd.Flags().Lookup("poll-interval"))
	_ = viper.BindPFlag("reduce-timeout", cmd.Flags().Lookup("reduce-timeout"))
	_ = viper.BindPFlag("verify-timeout", cmd.Flags().Lookup("verify-timeout"))
	_ = viper.BindPFlag("durable", cmd.Flags().Lookup("durable"))
	return cmd
}

func technicianCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "technician",
		Short: "Execute one dispatched sub-task",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			busClient := newBusClient()

			registry, err := newToolRegistry(busClient)
			if err != nil {
				return err
			}

			cfg := swarm.TechnicianConfig{
				TaskID:     viper.GetString("task-id"),
				Prompt:     viper.GetString("prompt"),
				Context:    viper.GetString("context"),
				WorkItemID: viper.GetString("work-item-id"),
				MaxSteps:   viper.GetInt("max-steps"),
			}
			cfg.LLMBaseURL, err = resolveLLMBase(cmd)
			if err != nil {
				return err
			}

			tech := swarm.NewTechnician(cfg, busClient, newLLMClient(), registry, logger)
			result, err := tech.Run(cmd.Context())
			if err != nil {
				tech.Fail(cmd.Context(), err.Error())
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().String("work-item-id", "", "work item tracking this task")
	cmd.Flags().Int("max-steps", 15, "execution loop step ceiling")
	_ = viper.BindPFlag("work-item-id", cmd.Flags().Lookup("work-item-id"))
	_ = viper.BindPFlag("max-steps", cmd.Flags().Lookup("max-steps"))
	return cmd
}

func judgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "judge",
		Short: "Verify a target task's result to a PASS/FAIL verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			busClient := newBusClient()

			registry, err := newToolRegistry(busClient)
			if err != nil {
				return err
			}

			cfg := swarm.JudgeConfig{
				TaskID:       viper.GetString("task-id"),
				TargetTaskID: viper.GetString("target-task-id"),
				Criteria:     viper.GetString("criteria"),
			}
			cfg.LLMBaseURL, err = resolveLLMBase(cmd)
			if err != nil {
				return err
			}

			judge := swarm.NewJudge(cfg, busClient, newLLMClient(), registry, logger)
			verdict, err := judge.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), verdict)
			return nil
		},
	}

	cmd.Flags().String("criteria", "", "verification criteria")
	_ = viper.BindPFlag("criteria", cmd.Flags().Lookup("criteria"))
	return cmd
}

func janitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Drain the dead-letter queue with retry and lease reclaim",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			busClient := newBusClient()

			janitor := swarm.NewJanitor(swarm.JanitorConfig{
				WorkerID:        viper.GetString("worker-id"),
				ClaimInterval:   viper.GetDuration("claim-interval"),
				MaxRetries:      viper.GetInt("max-retries"),
				RetryDelay:      viper.GetDuration("retry-delay"),
				LeaseTTL:        viper.GetDuration("lease-ttl"),
				ReclaimSchedule: viper.GetString("reclaim-schedule"),
			}, busClient, redeliverHandler(busClient), logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return janitor.Run(ctx)
		},
	}

	cmd.Flags().String("worker-id", "", "janitor worker id (default: generated)")
	cmd.Flags().Duration("claim-interval", 5*time.Second, "poll interval between claims")
	cmd.Flags().Int("max-retries", 3, "retry ceiling before an item is marked FAILED")
	cmd.Flags().Duration("retry-delay", 30*time.Second, "backoff before a failed item is retried")
	cmd.Flags().Duration("lease-ttl", 5*time.Minute, "claim lease before reclaim")
	cmd.Flags().String("reclaim-schedule", "* * * * *", "cron schedule for the lease-reclaim sweep")
	_ = viper.BindPFlag("worker-id", cmd.Flags().Lookup("worker-id"))
	_ = viper.BindPFlag("claim-interval", cmd.Flags().Lookup("claim-interval"))
	_ = viper.BindPFlag("max-retries", cmd.Flags().Lookup("max-retries"))
	_ = viper.BindPFlag("retry-delay", cmd.Flags().Lookup("retry-delay"))
	_ = viper.BindPFlag("lease-ttl", cmd.Flags().Lookup("lease-ttl"))
	_ = viper.BindPFlag("reclaim-schedule", cmd.Flags().Lookup("reclaim-schedule"))
	return cmd
}

// redeliverHandler re-posts a dead-lettered event to the ledger under
// its original kind.
func redeliverHandler(busClient *bus.Client) swarm.DLQHandler {
	return func(ctx context.Context, item *schema.DLQItem) error {
		_, err := busClient.PostEvent(ctx, item.EventType, item.Payload, map[string]any{
			"redelivered": true,
			"dlq_id":      item.ID,
		})
		return err
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
