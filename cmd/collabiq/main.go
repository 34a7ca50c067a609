// Command collabiq ingests collaboration emails into the knowledge base.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/collabiq/collabiq/internal/adapter/observability"
	"github.com/collabiq/collabiq/internal/app"
	"github.com/collabiq/collabiq/internal/config"
	"github.com/collabiq/collabiq/internal/domain"
)

// Exit codes.
const (
	exitOK         = 0
	exitGeneric    = 1
	exitConfig     = 2
	exitExternal   = 3
	exitValidation = 4
)

// exitError carries a specific exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error   { return &exitError{code: exitConfig, err: err} }
func externalErr(err error) error { return &exitError{code: exitExternal, err: err} }
func validationErr(err error) error {
	return &exitError{code: exitValidation, err: err}
}

// cliState is shared by all subcommands; built once in PersistentPreRunE.
type cliState struct {
	cfg config.Config
	app *app.App

	useStub bool
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := &cliState{}
	root := newRootCmd(st)
	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "error:", ee.err)
			return ee.code
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitGeneric
	}
	return exitOK
}

func newRootCmd(st *cliState) *cobra.Command {
	root := &cobra.Command{
		Use:           "collabiq",
		Short:         "Email-to-knowledge-base ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return configErr(err)
			}
			st.cfg = cfg
			slog.SetDefault(observability.SetupLogger(cfg))
			observability.InitMetrics()

			a, err := app.New(cfg, app.Options{UseStubProviders: st.useStub})
			if err != nil {
				return configErr(err)
			}
			st.app = a
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&st.useStub, "stub-llm", false, "use deterministic stub LLM providers")

	root.AddCommand(
		newRunCmd(st),
		newEmailCmd(st),
		newNotionCmd(st),
		newLLMCmd(st),
		newErrorsCmd(st),
		newStatusCmd(st),
		newConfigCmd(st),
		newTestCmd(st),
	)
	return root
}

// classifyExit maps a pipeline error onto the CLI exit code contract.
func classifyExit(err error) error {
	if err == nil {
		return nil
	}
	switch domain.Classify(err) {
	case domain.ClassCritical:
		return externalErr(err)
	case domain.ClassPermanent:
		return validationErr(err)
	default:
		return externalErr(err)
	}
}
