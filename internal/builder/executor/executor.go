// Package executor ties together a FileStore, CommandStore and pool
// registry into the process-wide state a command-line driver needs:
// cancellation on SIGINT/SIGTERM, tty-aware progress rendering, and a
// single place that owns the stores instead of leaving them as package
// globals.
//
// Cancellation is grounded on the root context.go's InterruptibleContext.
// Progress rendering follows the same isatty.IsTerminal check
// vercel-turborepo's run.go uses to decide between a live single-line
// progress display and plain streamed output when stdout isn't a tty
// (redirected to a log file, piped into another tool, or running under
// CI).
package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/distr1/forge/internal/builder"
	"github.com/distr1/forge/internal/builder/pool"
)

// Executor bundles the stores and configuration a build invocation
// shares across every command it runs.
type Executor struct {
	Files    *builder.FileStore
	Commands *builder.CommandStore
	Pools    *pool.Registry

	Logger *log.Logger

	out         io.Writer
	interactive bool
}

// New returns an Executor with fresh, empty stores. Load persisted state
// into Files/Commands (e.g. via the db package) before building a Plan
// against it.
func New(out io.Writer) *Executor {
	if out == nil {
		out = os.Stdout
	}
	e := &Executor{
		Files:    builder.NewFileStore(),
		Commands: builder.NewCommandStore(),
		Pools:    pool.NewRegistry(),
		Logger:   log.New(out, "", 0),
		out:      out,
	}
	if f, ok := out.(*os.File); ok {
		e.interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return e
}

// Config returns a *builder.Config wired to this executor's stores and
// logger, ready to pass to Command.Execute or plan.Plan.Execute.
func (e *Executor) Config() *builder.Config {
	return &builder.Config{
		Files:    e.Files,
		Commands: e.Commands,
		Pools:    e.Pools,
		Logger:   &builder.LoggerFunc{Printf: e.Logger.Printf},
	}
}

// Interactive reports whether the executor's output stream is a
// terminal, for callers deciding between a redrawn single-line progress
// indicator and plain streamed log lines.
func (e *Executor) Interactive() bool { return e.interactive }

// Progress renders one progress update. In interactive mode it overwrites
// the current line with a carriage return; otherwise it prints a plain
// line, matching the pattern of falling back to full streamed output when
// stdout is not a terminal (e.g. piped into a log file or running in CI).
func (e *Executor) Progress(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if e.interactive {
		fmt.Fprintf(e.out, "\r\x1b[K%s", msg)
	} else {
		fmt.Fprintln(e.out, msg)
	}
}

// ProgressDone finalizes the progress line in interactive mode with a
// trailing newline, so subsequent plain log output doesn't run into it.
func (e *Executor) ProgressDone() {
	if e.interactive {
		fmt.Fprintln(e.out)
	}
}

// InterruptibleContext returns a context canceled on SIGINT or SIGTERM. A
// second signal bypasses cancellation entirely and lets the default
// handler terminate the process immediately, in case cleanup triggered by
// the first signal hangs.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		cancel()
	}()
	return ctx, cancel
}
