package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nelssec/soak/internal/config"
	"github.com/nelssec/soak/internal/container"
	"github.com/nelssec/soak/internal/embedded"
	"github.com/nelssec/soak/internal/output"
	"github.com/nelssec/soak/internal/registry"
	"github.com/nelssec/soak/internal/sandbox"
	"github.com/nelssec/soak/internal/scanner"
	"github.com/nelssec/soak/internal/update"
)

var (
	Version   = "1.1.0"
	BuildTime = "unknown"
	cfgFile   string
)

var logger = log.WithField("package", "main")

func main() {
	rootCmd := &cobra.Command{
		Use:   "soak [path]",
		Short: "Run a battery of security scanners against a source tree in a throwaway container",
		Long: `soak copies a source tree into an ephemeral podman or docker container built
from the soak-engine image, runs every scanner that applies to the languages it
finds and extracts the reports to the host.

The container is removed after every run, including failed or interrupted ones.`,
		Args:              cobra.MaximumNArgs(1),
		SilenceUsage:      true,
		PersistentPreRunE: configureLogging,
		RunE:              runScan,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ~/.config/soak/config.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for automation)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose logging")

	rootCmd.Flags().StringP("output", "o", "", "Host directory receiving reports (default ./soak_reports)")
	rootCmd.Flags().Bool("update", false, "Force the engine update check")
	rootCmd.Flags().Bool("skip-update", false, "Skip the engine update check")
	rootCmd.Flags().String("strategy", "", "Source staging strategy: copy or mount")
	rootCmd.Flags().Bool("publish", false, "Upload reports to the configured object store")
	rootCmd.MarkFlagsMutuallyExclusive("update", "skip-update")

	viper.BindPFlag("sandbox.output_dir", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("update.force", rootCmd.Flags().Lookup("update"))
	viper.BindPFlag("update.skip", rootCmd.Flags().Lookup("skip-update"))
	viper.BindPFlag("sandbox.strategy", rootCmd.Flags().Lookup("strategy"))
	viper.BindPFlag("publish.enabled", rootCmd.Flags().Lookup("publish"))

	cobra.OnInitialize(func() {
		config.InitConfig(cfgFile)
	})

	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newSetupCmd())
	rootCmd.AddCommand(newPruneCmd())
	rootCmd.AddCommand(newToolsCmd())
	rootCmd.AddCommand(newVersionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func configureLogging(cmd *cobra.Command, args []string) error {
	level := log.WarnLevel
	// Inside the sandbox the tool progress is the only feedback the host sees.
	if cmd.Name() == "analyze" {
		level = log.InfoLevel
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	return nil
}

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the scanners against a local tree (the engine entrypoint)",
		Long: `Detect the languages present in --source, run every applicable scanner and
write one report per tool plus soak_summary.json into --reports.

This is what the engine image runs inside the sandbox. A missing or failing
scanner is recorded in the summary and never fails the command.`,
		Args: cobra.NoArgs,
		RunE: runAnalyze,
	}
	cmd.Flags().String("source", "/src", "Directory to scan")
	cmd.Flags().String("reports", "/reports", "Directory receiving reports")
	return cmd
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	source, _ := cmd.Flags().GetString("source")
	reports, _ := cmd.Flags().GetString("reports")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	agg := &scanner.Aggregator{
		Executor: &scanner.Executor{Timeout: cfg.Scan.ToolTimeout},
		Workers:  cfg.Scan.Workers,
		Ignore:   cfg.Detect.Ignore,
	}

	summary, err := agg.Run(cmd.Context(), source, reports, cfg.EngineInfo())
	if summary != nil {
		if jsonOutput {
			if printErr := output.PrintJSON(os.Stdout, summary); printErr != nil {
				return printErr
			}
		} else {
			output.PrintTable(os.Stdout, summary)
		}
	}
	return err
}

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Build the soak-engine image",
		Long: `Build the engine image from the embedded recipe and this binary. Run it once
after installing soak and again whenever the update check asks for it.`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	if err := cfg.Validate(); err != nil {
		return err
	}

	rt, err := container.DetectRuntime(cfg.Runtime.Preference)
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate soak binary: %w", err)
	}

	dir, cleanup, err := embedded.PrepareBuildContext(exe)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("Building %s with %s (recipe %s)\n", cfg.Engine.Image, rt.Name(), embedded.RecipeVersion())

	err = rt.Build(cmd.Context(), container.BuildOptions{
		Tag:       cfg.Engine.Image,
		Context:   dir,
		BuildArgs: []string{"SOAK_VERSION=" + Version},
		Labels: []string{
			update.VersionLabel + "=" + Version,
			"soak.recipe=" + embedded.RecipeVersion(),
		},
	}, os.Stdout, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to build engine image: %w", err)
	}

	fmt.Printf("Engine image %s is ready\n", cfg.Engine.Image)
	return nil
}

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove sandboxes left behind by killed runs",
		Args:  cobra.NoArgs,
		RunE:  runPrune,
	}
	cmd.Flags().Bool("list", false, "List leftover sandboxes without removing them")
	return cmd
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	rt, err := container.DetectRuntime(cfg.Runtime.Preference)
	if err != nil {
		return err
	}

	if listFlag, _ := cmd.Flags().GetBool("list"); listFlag {
		containers, err := rt.List(cmd.Context(), sandbox.NamePrefix)
		if err != nil {
			return err
		}
		if len(containers) == 0 {
			fmt.Println("No leftover sandboxes found")
			return nil
		}
		for _, c := range containers {
			fmt.Println(c.Describe())
		}
		return nil
	}

	removed, err := container.Prune(cmd.Context(), rt, sandbox.NamePrefix)
	for _, name := range removed {
		fmt.Printf("Removed %s\n", name)
	}
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Println("No leftover sandboxes found")
	}
	return nil
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool registry as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(registry.Categories()); err != nil {
				return fmt.Errorf("failed to encode registry: %w", err)
			}
			return enc.Close()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("soak version %s\n", Version)
			fmt.Printf("Build time: %s\n", BuildTime)
			fmt.Printf("Engine recipe: %s\n", embedded.RecipeVersion())

			cfg := config.Get()
			rt, err := container.DetectRuntime(cfg.Runtime.Preference)
			if err != nil {
				if errors.Is(err, container.ErrRuntimeNotFound) {
					fmt.Println("Container runtime: not found")
					return
				}
				fmt.Printf("Container runtime: %v\n", err)
				return
			}
			fmt.Printf("Container runtime: %s\n", rt.Name())
		},
	}
}
