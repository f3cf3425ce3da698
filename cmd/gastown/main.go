package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/gastown/internal/bus"
	"github.com/rendis/gastown/internal/discovery"
	"github.com/rendis/gastown/internal/expressions"
	"github.com/rendis/gastown/internal/llm"
	"github.com/rendis/gastown/internal/logging"
	"github.com/rendis/gastown/internal/store"
	"github.com/rendis/gastown/internal/tools"
)

var rootCmd = &cobra.Command{
	Use:   "gastown",
	Short: "Gastown agent-swarm orchestrator",
	Long: `Gastown coordinates a swarm of LLM agents over a hash-chained event
ledger. Every process role is a subcommand:
- serve:      the single-writer ledger service (HTTP bus)
- manager:    decompose a goal, dispatch technicians, aggregate, verify
- technician: execute one dispatched sub-task (plan / act / reflect)
- judge:      verify a target task's result to a PASS/FAIL verdict
- janitor:    drain the dead-letter queue with retry and lease reclaim
- workflow:   run a declarative workflow definition
- mcp:        expose read-only operator tools over MCP stdio`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GASTOWN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// Worker containers receive their assignment through the dispatch
	// env contract, unprefixed.
	_ = viper.BindEnv("task-id", "WORKER_TASK_ID")
	_ = viper.BindEnv("prompt", "WORKER_PROMPT")
	_ = viper.BindEnv("context", "WORKER_CONTEXT")
	_ = viper.BindEnv("target-task-id", "TARGET_TASK_ID")
	_ = viper.BindEnv("consul", "CONSUL_HTTP_ADDR")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("db", "gastown.db", "ledger database path")
	rootCmd.PersistentFlags().String("bus", "http://127.0.0.1:8088", "ledger bus URL")
	rootCmd.PersistentFlags().String("consul", "http://127.0.0.1:8500", "Consul agent address")
	rootCmd.PersistentFlags().String("llm-url", "", "LLM base URL (overrides discovery)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("bus", rootCmd.PersistentFlags().Lookup("bus"))
	_ = viper.BindPFlag("consul", rootCmd.PersistentFlags().Lookup("consul"))
	_ = viper.BindPFlag("llm-url", rootCmd.PersistentFlags().Lookup("llm-url"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(managerCmd())
	rootCmd.AddCommand(technicianCmd())
	rootCmd.AddCommand(judgeCmd())
	rootCmd.AddCommand(janitorCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(mcpCmd())
}

// --- Shared wiring ---

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewCorrelationHandler(handler))
}

func openStore() (store.Store, error) {
	return store.NewLibSQLStore("file:" + viper.GetString("db"))
}

func newBusClient() *bus.Client {
	return bus.NewClient(viper.GetString("bus"))
}

func newResolver() discovery.Resolver {
	return discovery.NewConsulResolver(viper.GetString("consul"))
}

// resolveLLMBase returns the explicit --llm-url when set, otherwise
// the rpc-main service address from Consul.
func resolveLLMBase(cmd *cobra.Command) (string, error) {
	if url := viper.GetString("llm-url"); url != "" {
		return url, nil
	}
	return newResolver().Resolve(cmd.Context(), "rpc-main")
}

// newToolRegistry assembles the builtin tool surface agents run with.
func newToolRegistry(busClient *bus.Client) (*tools.Registry, error) {
	reg := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewExprEvalTool(expressions.NewExprEngine()),
		tools.NewLedgerQueryTool(busClient),
		tools.NewLedgerPostTool(busClient),
		tools.NewHTTPFetchTool(),
	} {
		if err := reg.Register(tool); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func newLLMClient() llm.Client {
	return llm.NewHTTPClient()
}
