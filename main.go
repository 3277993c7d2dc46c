// skillfence is a capability-based sandbox for executing untrusted,
// LLM-authored skills. The CLI runs skills through the executor pipeline,
// validates skill manifests, shows the capability surface a skill would
// receive, and serves the admin API.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skillfence/skillfence/internal/api"
	"github.com/skillfence/skillfence/internal/config"
	"github.com/skillfence/skillfence/internal/executor"
	"github.com/skillfence/skillfence/internal/interp"
	"github.com/skillfence/skillfence/internal/logger"
	"github.com/skillfence/skillfence/internal/ratelimit"
	"github.com/skillfence/skillfence/internal/skill"
	"github.com/skillfence/skillfence/internal/trust"
)

// Version is set at build time via ldflags: -X main.Version=x.y.z
var Version = "dev"

var (
	flagConfig     string
	flagLogLevel   string
	flagProvenance string
)

func main() {
	root := &cobra.Command{
		Use:           "skillfence",
		Short:         "Capability sandbox for untrusted LLM-authored skills",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logger.SetGlobalLevelFromString(flagLogLevel)
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "trace, debug, info, warn, error")

	root.AddCommand(newRunCmd(), newValidateCmd(), newPlanCmd(), newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var (
		requester string
		channel   string
		skillArgs []string
	)
	cmd := &cobra.Command{
		Use:   "run <skill-file>",
		Short: "Execute a skill inside the sandbox",
		Long: `Execute a skill inside the sandbox using the registered interpreter.
The built-in reference engine runs line-oriented call programs; hosts that
link their own bytecode interpreter via interp.Register get it here too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			prov := trust.Provenance(flagProvenance)
			if !prov.Valid() {
				return fmt.Errorf("unknown provenance %q (valid: main, dm, group, public)", flagProvenance)
			}
			args, err := parseSkillArgs(skillArgs)
			if err != nil {
				return err
			}

			exec := executor.New(executor.Options{
				Loader:      skill.NewLoader(interp.DefaultCompile()),
				Interpreter: interp.New(),
				Limiter:     buildLimiter(cfg.Limits),
			})
			result := exec.Execute(cmd.Context(), cmdArgs[0], args, executor.Context{
				Provenance:      prov,
				RequesterID:     requester,
				ChannelID:       channel,
				Workdir:         cfg.Sandbox.Workdir,
				AllowedHosts:    cfg.Sandbox.AllowedHosts,
				WritableSubdirs: cfg.Sandbox.WritableSubdirs,
			})

			encoded, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			if !result.Success {
				return fmt.Errorf("skill failed: %s", result.Error.Kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagProvenance, "provenance", "main", "request provenance: main, dm, group, public")
	cmd.Flags().StringVar(&requester, "requester", "", "requester identity for rate limiting")
	cmd.Flags().StringVar(&channel, "channel", "", "channel identity propagated to the skill")
	cmd.Flags().StringArrayVar(&skillArgs, "arg", nil, "skill argument as key=value (repeatable)")
	return cmd
}

// parseSkillArgs turns repeated key=value flags into the skill argument map.
func parseSkillArgs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q, want key=value", pair)
		}
		args[key] = value
	}
	return args, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <skill-file>",
		Short: "Load and validate a skill manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := skill.NewLoader(nil)
			sk, err := loader.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ok: %s (version %s, level %s)\n",
				sk.Manifest.Name, orDash(sk.Manifest.Version), sk.Level)
			if len(sk.Manifest.Capabilities) > 0 {
				fmt.Printf("capabilities: %s\n", strings.Join(sk.Manifest.Capabilities, ", "))
			}
			return nil
		},
	}
}

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <skill-file>",
		Short: "Show the capability surface a skill would receive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			prov := trust.Provenance(flagProvenance)
			if !prov.Valid() {
				return fmt.Errorf("unknown provenance %q (valid: main, dm, group, public)", flagProvenance)
			}

			exec := executor.New(executor.Options{Loader: skill.NewLoader(nil)})
			plan, err := exec.Describe(args[0], executor.Context{
				Provenance:      prov,
				Workdir:         cfg.Sandbox.Workdir,
				AllowedHosts:    cfg.Sandbox.AllowedHosts,
				WritableSubdirs: cfg.Sandbox.WritableSubdirs,
			})
			if err != nil {
				return err
			}

			fmt.Printf("skill:      %s\n", plan.Skill)
			fmt.Printf("level:      %s\n", plan.LevelName)
			fmt.Printf("provenance: %s\n", plan.Provenance)
			if !plan.Permitted {
				fmt.Println("refused: trust level exceeds provenance ceiling")
				return nil
			}
			fmt.Printf("fuel:       %d\n", plan.Fuel)
			fmt.Printf("timeout:    %s\n", plan.Timeout)
			fmt.Printf("opcodes:    %s\n", strings.Join(plan.Opcodes, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&flagProvenance, "provenance", "main", "request provenance: main, dm, group, public")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			logger.SetGlobalLevelFromString(cfg.Server.LogLevel)
			if cfg.Server.NoColor {
				logger.SetColored(false)
			}

			limiter := buildLimiter(cfg.Limits)
			loader := skill.NewLoader(interp.DefaultCompile())
			if err := loader.Watch(); err != nil {
				return err
			}
			defer loader.Close()

			exec := executor.New(executor.Options{
				Loader:      loader,
				Interpreter: interp.New(),
				Limiter:     limiter,
			})
			return api.NewServer(exec).Run(cfg.Server.Port)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("skillfence", Version)
		},
	}
}

func buildLimiter(lc config.LimitsConfig) *ratelimit.Limiter {
	var cfg ratelimit.Config
	if lc.Profile == "strict" {
		cfg = ratelimit.StrictConfig()
	} else {
		cfg = ratelimit.DefaultConfig()
	}
	if lc.RequesterPerMinute > 0 {
		cfg.RequesterPerWindow = lc.RequesterPerMinute
	}
	if lc.GlobalPerMinute > 0 {
		cfg.GlobalPerWindow = lc.GlobalPerMinute
	}
	if lc.RequesterConcurrent > 0 {
		cfg.RequesterConcurrent = lc.RequesterConcurrent
	}
	if lc.GlobalConcurrent > 0 {
		cfg.GlobalConcurrent = lc.GlobalConcurrent
	}
	if lc.CooldownSeconds > 0 {
		cfg.Cooldown = time.Duration(lc.CooldownSeconds) * time.Second
	}
	cfg.SelfIDs = lc.SelfIDs
	return ratelimit.New(cfg)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
