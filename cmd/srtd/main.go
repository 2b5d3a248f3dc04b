// Command srtd is the thin CLI entrypoint over the orchestrator facade: it
// constructs an orchestrator rooted at the current directory, runs one
// top-level operation, and emits every engine event as a line of JSON on
// stdout. No TUI, no init/doctor/clear/promote/register commands — those
// surrounding collaborators are out of scope for the core engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srtd-go/srtd/internal/engine"
	"github.com/srtd-go/srtd/internal/orchestrator"
)

var (
	applyFlag  bool
	forceFlag  bool
	bundleFlag bool
)

func emitJSONEvent(ev engine.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "srtd: failed to marshal event: %v\n", err)
		return
	}
	fmt.Println(string(line))
}

func withOrchestrator(run func(*orchestrator.Orchestrator) error) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("srtd: %w", err)
	}

	o, err := orchestrator.New(cwd)
	if err != nil {
		return fmt.Errorf("srtd: %w", err)
	}
	defer o.Close()

	o.On(engine.TemplateBuilt, emitJSONEvent)
	o.On(engine.TemplateApplied, emitJSONEvent)
	o.On(engine.TemplateChanged, emitJSONEvent)
	o.On(engine.TemplateAdded, emitJSONEvent)
	o.On(engine.TemplateError, emitJSONEvent)

	return run(o)
}

var rootCmd = &cobra.Command{
	Use:   "srtd",
	Short: "Live-reloading build engine for idempotent SQL templates",
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Emit migration files for eligible templates",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			res, err := o.Build(context.Background(), engine.Options{Force: forceFlag, Bundle: bundleFlag})
			if err != nil {
				return err
			}
			for _, e := range res.Errors {
				fmt.Fprintf(os.Stderr, "srtd: %s: %s\n", e.Template, e.Message)
			}
			return nil
		})
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply eligible templates to the configured database",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			res, err := o.Process(context.Background(), engine.Options{
				Apply: true, GenerateFiles: applyFlag, Force: forceFlag, Bundle: bundleFlag,
			})
			if err != nil {
				return err
			}
			for _, e := range res.Errors {
				fmt.Fprintf(os.Stderr, "srtd: %s: %s\n", e.Template, e.Message)
			}
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the template tree, rebuilding/applying on change until interrupted",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withOrchestrator(func(o *orchestrator.Orchestrator) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			closeWatch, err := o.Watch(ctx, engine.Options{Apply: true, GenerateFiles: true})
			if err != nil {
				return err
			}
			defer closeWatch()

			<-ctx.Done()
			return nil
		})
	},
}

func init() {
	buildCmd.Flags().BoolVar(&forceFlag, "force", false, "rebuild even unchanged templates")
	buildCmd.Flags().BoolVar(&bundleFlag, "bundle", false, "emit one migration file for all eligible templates")

	applyCmd.Flags().BoolVar(&applyFlag, "emit", false, "also emit migration files while applying")
	applyCmd.Flags().BoolVar(&forceFlag, "force", false, "reapply even unchanged templates")
	applyCmd.Flags().BoolVar(&bundleFlag, "bundle", false, "emit one migration file for all eligible templates")

	rootCmd.AddCommand(buildCmd, applyCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
