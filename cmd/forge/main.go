// Command forge is a thin driver around the internal/builder engine: it
// reads a JSON command graph, loads the on-disk database, builds an
// ExecutionPlan and runs it, following cmd/distri's verb-dispatch layout
// (a map of verb name to func(ctx, args) error, with -debug controlling
// error-message verbosity).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"golang.org/x/xerrors"

	"github.com/distr1/forge/internal/builder"
	"github.com/distr1/forge/internal/builder/db"
	"github.com/distr1/forge/internal/builder/executor"
	"github.com/distr1/forge/internal/builder/plan"
	"github.com/distr1/forge/internal/builder/pool"
	"github.com/distr1/forge/internal/builder/trace"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
	graph      = flag.String("graph", "build.json", "path to the JSON command graph to build")
	dbDir      = flag.String("db", ".forge", "directory holding the persisted file/command database")
	config     = flag.String("config", "default", "database namespace, e.g. target architecture")
	jobs       = flag.Int("j", runtime.NumCPU(), "maximum number of commands to run in parallel")
	explain    = flag.Bool("explain", false, "print why each command was or wasn't rebuilt")
	doTrace    = flag.Bool("trace", false, "write a chrome://tracing command timeline to $TMPDIR/forge.traces")
	skipErrors = flag.Int("skip-errors", 0, "tolerate this many failing commands before stopping dispatch of new ones")
	timeLimit  = flag.Duration("time-limit", 0, "stop dispatching new commands once this much wall time has elapsed (0 disables)")
)

// graphFile is the on-disk shape of -graph: a flat list of commands,
// referencing each other by name for dependencies and for a lazily
// resolved Base program.
type graphFile struct {
	Commands []graphCommand `json:"commands"`
}

type graphCommand struct {
	Name          string            `json:"name"`
	Program       string            `json:"program"`
	Base          string            `json:"base,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Dir           string            `json:"dir,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Inputs        []string          `json:"inputs,omitempty"`
	Intermediates []string          `json:"intermediates,omitempty"`
	Outputs       []string          `json:"outputs,omitempty"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	AlwaysRun     bool              `json:"always_run,omitempty"`
	Pool          string            `json:"pool,omitempty"`
	PoolSize      int               `json:"pool_size,omitempty"`
}

func loadGraph(path string) ([]*builder.Command, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open graph: %w", err)
	}
	defer f.Close()

	var gf graphFile
	if err := json.NewDecoder(f).Decode(&gf); err != nil {
		return nil, xerrors.Errorf("decode graph: %w", err)
	}

	byName := make(map[string]*builder.Command, len(gf.Commands))
	pools := pool.NewRegistry()
	for _, gc := range gf.Commands {
		c := builder.NewCommand(gc.Name)
		c.Program = gc.Program
		c.Args = gc.Args
		c.Dir = gc.Dir
		if gc.Env != nil {
			c.Env = gc.Env
		}
		c.AlwaysRun = gc.AlwaysRun
		c.AddInput(gc.Inputs...)
		c.AddIntermediate(gc.Intermediates...)
		c.AddOutput(gc.Outputs...)
		if gc.Pool != "" {
			size := gc.PoolSize
			if size <= 0 {
				size = 1
			}
			c.Pool = pools.Get(gc.Pool, size)
		}
		byName[gc.Name] = c
	}
	for _, gc := range gf.Commands {
		c := byName[gc.Name]
		if gc.Base != "" {
			base, ok := byName[gc.Base]
			if !ok {
				return nil, xerrors.Errorf("command %q: unknown base %q", gc.Name, gc.Base)
			}
			c.Base = base
		}
		for _, dep := range gc.Dependencies {
			d, ok := byName[dep]
			if !ok {
				return nil, xerrors.Errorf("command %q: unknown dependency %q", gc.Name, dep)
			}
			c.AddDependency(d)
		}
	}

	roots := make([]*builder.Command, 0, len(byName))
	for _, c := range byName {
		roots = append(roots, c)
	}
	return roots, nil
}

func cmdbuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	fs.Parse(args)

	roots, err := loadGraph(*graph)
	if err != nil {
		return err
	}

	if *doTrace {
		f, err := trace.Enable("build")
		if err != nil {
			return xerrors.Errorf("enable trace: %w", err)
		}
		defer f.Close()
	}

	exec := executor.New(os.Stdout)
	database := db.New(*dbDir, *config)

	fileSnaps, err := database.LoadFiles()
	if err != nil {
		return xerrors.Errorf("load files database: %w", err)
	}
	exec.Files.MergeSnapshot(fileSnaps)

	cmdEntries, err := database.LoadCommands()
	if err != nil {
		return xerrors.Errorf("load commands database: %w", err)
	}
	for _, e := range cmdEntries {
		exec.Commands.Store(uint64(e.Fingerprint), e.FilesHash)
	}

	p, err := plan.New(exec.Files, roots)
	if err != nil {
		return xerrors.Errorf("build plan: %w", err)
	}

	cfg := exec.Config()
	cfg.SkipErrors = *skipErrors
	cfg.TimeLimit = *timeLimit
	if *explain {
		cfg.Explain = func(name string, outdated bool, reason string) {
			exec.Logger.Printf("%s: outdated=%v reason=%s", name, outdated, reason)
		}
	}

	// Persistence runs on teardown regardless of how execution went; a
	// save failure is logged here and never returned, so a failed build
	// still persists its stores for the next run.
	defer func() {
		if err := database.SaveFiles(exec.Files.Snapshot()); err != nil {
			exec.Logger.Printf("save files database: %v", err)
		}
		var entries []db.CommandEntry
		exec.Commands.Range(func(fingerprint, filesHash uint64) bool {
			entries = append(entries, db.CommandEntry{Fingerprint: int64(fingerprint), FilesHash: filesHash})
			return true
		})
		if err := database.SaveCommands(entries); err != nil {
			exec.Logger.Printf("save commands database: %v", err)
		}
	}()

	if err := p.Execute(ctx, cfg, *jobs); err != nil {
		return xerrors.Errorf("execute plan: %w", err)
	}

	return nil
}

func cmdplan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	fs.Parse(args)

	roots, err := loadGraph(*graph)
	if err != nil {
		return err
	}
	p, err := plan.New(builder.NewFileStore(), roots)
	if err != nil {
		return err
	}
	fmt.Print(p.Explain())
	return nil
}

func funcmain() error {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"build": {cmdbuild},
		"plan":  {cmdplan},
	}

	args := flag.Args()
	verb := "build"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	ctx, cancel := executor.InterruptibleContext()
	defer cancel()

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: forge <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		log.SetFlags(0)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
