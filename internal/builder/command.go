package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/distr1/forge/internal/builder/pool"
)

// OutdatednessMode selects between the two rebuild-decision behaviors the
// source carries: one live, one dormant. See the §9 design note.
type OutdatednessMode int

const (
	// OutdatednessModeModTime rebuilds whenever any tracked file's
	// mtime moved, regardless of whether its content actually changed.
	// This is the mode the source actually ships (the files-hash check
	// is computed but never consulted).
	OutdatednessModeModTime OutdatednessMode = iota
	// OutdatednessModeFilesHash additionally compares the recomputed
	// files-hash with the stored one for a command whose tracked files
	// did not change, and rebuilds on a mismatch. It does not suppress a
	// rebuild when an mtime moved but the content is unchanged: the I/O
	// check runs first and decides those cases on its own.
	OutdatednessModeFilesHash
)

// Redirect describes one stdio redirection: an optional file path and an
// optional in-memory buffer, either or both of which may be active
// simultaneously (a command's stdout can be teed to a log file and
// captured for diagnostics at once).
type Redirect struct {
	File   string
	Buffer *bytes.Buffer
}

// Config bundles the per-run settings and shared stores every Command
// needs to execute: the process-wide Context the §9 design note replaces
// the source's command/file-store singletons with, threaded explicitly to
// every component instead of hidden behind globals.
type Config struct {
	Files    *FileStore
	Commands *CommandStore
	Pools    *pool.Registry

	Logger *LoggerFunc

	ResponseFileDir   string
	ResponseFileLimit int

	OutdatednessMode OutdatednessMode

	// SaveFailedCommands, when set, makes a failing command persist a
	// reproducible response file and wrapper script (.bat on Windows,
	// .sh elsewhere) under FailedCommandDir.
	SaveFailedCommands bool
	FailedCommandDir   string

	// SkipErrors, when positive, lets the scheduler tolerate that many
	// command failures before it stops dispatching new commands; the
	// default (zero) stops dispatch on the first failure.
	SkipErrors int

	// TimeLimit, when positive, caps the wall-clock time the scheduler
	// spends starting new commands; already-running commands still run
	// to completion once it elapses.
	TimeLimit time.Duration

	// Explain, if set, receives the outdatedness reason for every
	// command the oracle evaluates - the "why rebuilt" channel.
	Explain func(cmdName string, outdated bool, reason string)
}

// LoggerFunc is the minimal logging seam Command needs; a *log.Logger
// plugs in by assigning its Printf method to the Printf field.
type LoggerFunc struct {
	Printf func(format string, args ...interface{})
}

func (l *LoggerFunc) printf(format string, args ...interface{}) {
	if l == nil || l.Printf == nil {
		return
	}
	l.Printf(format, args...)
}

// Command is a hashable description of one subprocess invocation: enough
// to decide, without running it, whether it needs to run again.
type Command struct {
	// Name is a human-readable label for logs and the why-rebuilt
	// channel; it plays no part in the fingerprint.
	Name string

	Program string
	// Base resolves Program lazily for compilers that only know their
	// own path after some other command (e.g. a toolchain fetch/unpack
	// step) has run.
	Base *Command

	Args []string
	Dir  string
	Env  map[string]string

	Stdin  Redirect
	Stdout Redirect
	Stderr Redirect

	AlwaysRun                    bool
	RemoveOutputsBeforeExecution bool
	Pool                         *pool.Pool

	// PostProcess is the implicit-dependency scanner hook consumed from
	// target producers (§6): given the command and its captured
	// stdout/stderr (e.g. MSVC /showIncludes output or a GCC .d file
	// already read by the caller), it returns the set of paths the
	// command's inputs implicitly depend on.
	PostProcess func(c *Command, stdout, stderr string) ([]string, error)

	mu            sync.Mutex
	inputs        map[string]bool
	intermediates map[string]bool
	outputs       map[string]bool
	dependencies  map[*Command]bool

	prepared    bool
	fingerprint uint64
	executed    atomic.Bool

	capturedStdout string
	capturedStderr string
}

// NewCommand returns an unprepared Command.
func NewCommand(name string) *Command {
	return &Command{
		Name:          name,
		Env:           make(map[string]string),
		inputs:        make(map[string]bool),
		intermediates: make(map[string]bool),
		outputs:       make(map[string]bool),
		dependencies:  make(map[*Command]bool),
	}
}

// AddInput records paths as files this command reads.
func (c *Command) AddInput(paths ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		c.inputs[p] = true
	}
}

// AddIntermediate records paths as files this command both reads and
// writes; like outputs, their generator is set to this command.
func (c *Command) AddIntermediate(paths ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		c.intermediates[p] = true
	}
}

// AddOutput records paths as files this command writes.
func (c *Command) AddOutput(paths ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		c.outputs[p] = true
	}
}

// RedirectStdout directs standard output to path, which is also added as
// an output (it is promoted into Outputs() during Prepare).
func (c *Command) RedirectStdout(path string) { c.Stdout.File = path }

// RedirectStderr directs standard error to path, which is also added as
// an output.
func (c *Command) RedirectStderr(path string) { c.Stderr.File = path }

// AddDependency declares dep as an upstream command that must complete
// before c may run.
func (c *Command) AddDependency(dep *Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dependencies[dep] = true
}

// ReplaceDependency swaps old for repl in c's dependency set, used by
// ExecutionPlan deduplication to rewrite references onto a surviving
// representative.
func (c *Command) ReplaceDependency(old, repl *Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dependencies[old] {
		delete(c.dependencies, old)
		if repl != c {
			c.dependencies[repl] = true
		}
	}
}

// Dependencies returns the current dependency set.
func (c *Command) Dependencies() []*Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Command, 0, len(c.dependencies))
	for d := range c.dependencies {
		out = append(out, d)
	}
	return out
}

// Inputs, Intermediates and Outputs return snapshots of the respective
// file sets, sorted for deterministic iteration.
func (c *Command) Inputs() []string        { return sortedKeys(c.inputs, &c.mu) }
func (c *Command) Intermediates() []string { return sortedKeys(c.intermediates, &c.mu) }
func (c *Command) Outputs() []string       { return sortedKeys(c.outputs, &c.mu) }

func sortedKeys(m map[string]bool, mu *sync.Mutex) []string {
	mu.Lock()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	mu.Unlock()
	sort.Strings(out)
	return out
}

// IsPrepared reports whether Prepare has run.
func (c *Command) IsPrepared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepared
}

// IsExecuted reports whether Execute has completed (successfully or by
// being skipped as up-to-date) for this command.
func (c *Command) IsExecuted() bool { return c.executed.Load() }

// resolveProgram returns Program directly, or Base's resolved program if
// Program is empty and Base is set.
func (c *Command) resolveProgram() (string, error) {
	if c.Program != "" {
		return c.Program, nil
	}
	if c.Base != nil {
		p, err := c.Base.resolveProgram()
		if err != nil {
			return "", err
		}
		if p == "" {
			return "", fmt.Errorf("command %q: empty program from base command", c.Name)
		}
		return p, nil
	}
	return "", fmt.Errorf("command %q: program was not set", c.Name)
}

// Prepare resolves the program path, computes and caches the fingerprint,
// promotes redirection targets into outputs, and registers inputs and
// outputs with the FileStore (wiring generators for outputs and
// intermediates). Prepare is idempotent.
func (c *Command) Prepare(fs *FileStore) error {
	c.mu.Lock()
	if c.prepared {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	program, err := c.resolveProgram()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.Program = program
	if c.Stdout.File != "" {
		c.outputs[c.Stdout.File] = true
	}
	if c.Stderr.File != "" {
		c.outputs[c.Stderr.File] = true
	}
	args := append([]string(nil), c.Args...)
	outputs := make([]string, 0, len(c.outputs))
	for o := range c.outputs {
		outputs = append(outputs, o)
	}
	intermediates := make([]string, 0, len(c.intermediates))
	for o := range c.intermediates {
		intermediates = append(intermediates, o)
	}
	inputs := make([]string, 0, len(c.inputs))
	for i := range c.inputs {
		inputs = append(inputs, i)
	}
	stdoutFile, stderrFile := c.Stdout.File, c.Stderr.File
	c.mu.Unlock()

	c.mu.Lock()
	c.fingerprint = computeFingerprint(program, args, stdoutFile, stderrFile)
	c.prepared = true
	c.mu.Unlock()

	if fs == nil {
		return nil
	}

	for _, o := range outputs {
		if err := fs.MarkGenerated(o, c); err != nil {
			return err
		}
	}
	for _, o := range intermediates {
		if err := fs.MarkGenerated(o, c); err != nil {
			return err
		}
	}
	for _, i := range inputs {
		fs.Register(i)
		if g := fs.Register(i).Generator(); g != nil {
			c.AddDependency(g)
		}
	}
	if g := fs.Register(program).Generator(); g != nil {
		c.AddDependency(g)
	}
	for _, o := range outputs {
		for _, i := range inputs {
			fs.AddExplicitDependency(o, i)
		}
	}

	return nil
}

// computeFingerprint implements the §3 definition: hash of the canonical
// program path, combined with the hash of the *sorted* argument strings,
// combined with stdout/stderr redirection targets when present.
// Environment and working directory are deliberately excluded — a
// source-fidelity choice preserved to keep cache compatibility (§9).
func computeFingerprint(program string, args []string, stdoutFile, stderrFile string) uint64 {
	h := hashString(normalizePath(program))

	sorted := append([]string(nil), args...)
	sort.Strings(sorted)
	for _, a := range sorted {
		h = hashCombine(h, hashString(a))
	}

	if stdoutFile != "" {
		h = hashCombine(h, hashString(normalizePath(stdoutFile)))
	}
	if stderrFile != "" {
		h = hashCombine(h, hashString(normalizePath(stderrFile)))
	}
	return h
}

// Fingerprint returns the command's cached fingerprint. Prepare must have
// run first.
func (c *Command) Fingerprint() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.prepared {
		return 0, fmt.Errorf("command %q: Fingerprint called before Prepare", c.Name)
	}
	return c.fingerprint, nil
}

// FilesHash recomputes the files-hash: the fingerprint combined with the
// content hash of the program and every input and output.
func (c *Command) FilesHash() (uint64, error) {
	fp, err := c.Fingerprint()
	if err != nil {
		return 0, err
	}
	h := fp

	paths := []string{c.Program}
	paths = append(paths, c.Inputs()...)
	paths = append(paths, c.Outputs()...)
	for _, p := range paths {
		fh, err := hashFileContents(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, &IoError{Path: p, Op: "hash", Err: err}
		}
		h = hashCombine(h, fh)
	}
	return h, nil
}

func (c *Command) needsResponseFile(limit int) bool {
	c.mu.Lock()
	program, args := c.Program, append([]string(nil), c.Args...)
	c.mu.Unlock()
	return needsResponseFile(program, args, limit)
}

// Execute runs the full command lifecycle described in §4.3: prepare,
// consult the oracle, guard against double-execution, acquire the
// resource pool, optionally clear stale outputs, switch to a response
// file if the command line is too long, spawn the child, post-process,
// and record the files-hash.
//
// label is the preformatted "[k/N]" progress prefix; the running total is
// owned by the scheduler (ExecutionPlan), not by the command itself.
func (c *Command) Execute(ctx context.Context, cfg *Config, label string) error {
	if err := c.Prepare(cfg.Files); err != nil {
		return err
	}

	outdated, reason, err := outdatednessCheck(c, cfg)
	if err != nil {
		return err
	}
	if cfg.Explain != nil {
		cfg.Explain(c.Name, outdated, reason)
	}
	if !outdated {
		c.executed.Store(true)
		return nil
	}

	if !c.executed.CompareAndSwap(false, true) {
		return &DoubleExecute{Name: c.Name}
	}

	cfg.Logger.printf("%s %s", label, c.Name)

	if c.Pool != nil {
		c.Pool.Acquire()
		defer c.Pool.Release()
	}

	if c.RemoveOutputsBeforeExecution {
		for _, o := range c.Outputs() {
			os.Remove(o) // missing-file errors are ignored per §4.3 step 5
		}
	}

	args := append([]string(nil), c.Args...)
	var rspFile string
	if c.needsResponseFile(cfg.ResponseFileLimit) {
		rspFile, err = writeResponseFile(cfg.ResponseFileDir, args)
		if err != nil {
			return err
		}
		args = []string{"@" + rspFile}
		defer os.Remove(rspFile)
	}

	runErr := c.spawn(ctx, args)

	if runErr != nil {
		c.runPostProcess(cfg, false)
		if cfg.SaveFailedCommands {
			c.saveFailedCommand(cfg, args)
		}
		return runErr
	}

	c.runPostProcess(cfg, true)

	if cfg.Files != nil {
		for _, p := range append(c.Intermediates(), c.Outputs()...) {
			cfg.Files.Register(p).rec.refreshed.Store(false)
			cfg.Files.IsChanged(p) // forces a fresh stat so the next run sees the new mtime
		}
	}

	if cfg.Commands != nil {
		fh, err := c.FilesHash()
		if err != nil {
			return err
		}
		fp, _ := c.Fingerprint()
		cfg.Commands.Store(fp, fh)
	}

	return nil
}

// runPostProcess runs the implicit-dependency scanner hook, if any, and
// on success refreshes the implicit-dependency set of every input. On
// failure the hook still runs (e.g. to surface partial include
// information in a diagnostic) but its results are discarded.
func (c *Command) runPostProcess(cfg *Config, success bool) {
	if c.PostProcess == nil {
		return
	}
	deps, err := c.PostProcess(c, c.capturedStdout, c.capturedStderr)
	if err != nil {
		cfg.Logger.printf("%s: post-process: %v", c.Name, err)
		return
	}
	if !success || cfg.Files == nil {
		return
	}
	for _, in := range c.Inputs() {
		cfg.Files.ClearImplicitDependencies(in)
		for _, d := range deps {
			cfg.Files.AddImplicitDependency(in, d)
		}
	}
}

// saveFailedCommand persists a reproducible response file and wrapper
// script for a failing invocation, named after the command so repeated
// failures don't collide.
func (c *Command) saveFailedCommand(cfg *Config, args []string) {
	dir := cfg.FailedCommandDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		cfg.Logger.printf("%s: save failed command: %v", c.Name, err)
		return
	}

	base := sanitizeFilename(c.Name)
	rsp := filepath.Join(dir, base+".rsp")

	var rspBody, script string
	for _, a := range args {
		rspBody += quoteResponseFileArg(a) + "\n"
	}
	if err := os.WriteFile(rsp, []byte(rspBody), 0o644); err != nil {
		cfg.Logger.printf("%s: save failed command: %v", c.Name, err)
		return
	}

	var scriptPath string
	if wrapperIsBatch() {
		scriptPath = filepath.Join(dir, base+".bat")
		script = fmt.Sprintf("@echo off\r\n%q @%q\r\n", c.Program, rsp)
	} else {
		scriptPath = filepath.Join(dir, base+".sh")
		script = fmt.Sprintf("#!/bin/sh\nexec %q \"@%s\"\n", c.Program, rsp)
	}
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		cfg.Logger.printf("%s: save failed command: %v", c.Name, err)
	}
}

func (c *Command) spawn(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, c.Program, args...)
	applyArgv(cmd, c.Program, args)
	cmd.Dir = c.Dir

	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	stdoutW, closeStdout, err := redirectWriter(c.Stdout, &stdout)
	if err != nil {
		return err
	}
	defer closeStdout()
	stderrW, closeStderr, err := redirectWriter(c.Stderr, &stderr)
	if err != nil {
		return err
	}
	defer closeStderr()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if c.Stdin.File != "" {
		f, err := os.Open(c.Stdin.File)
		if err != nil {
			return &IoError{Path: c.Stdin.File, Op: "open", Err: err}
		}
		defer f.Close()
		cmd.Stdin = f
	} else if c.Stdin.Buffer != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin.Buffer.Bytes())
	}

	runErr := cmd.Run()

	c.capturedStdout = stdout.String()
	c.capturedStderr = stderr.String()
	if c.Stdout.Buffer != nil {
		c.Stdout.Buffer.Write(stdout.Bytes())
	}
	if c.Stderr.Buffer != nil {
		c.Stderr.Buffer.Write(stderr.Bytes())
	}

	if runErr == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return &ExitStatusError{
			Argv:     append([]string{c.Program}, args...),
			Dir:      c.Dir,
			ExitCode: exitErr.ExitCode(),
			Stdout:   c.capturedStdout,
			Stderr:   c.capturedStderr,
		}
	}
	return &SpawnError{Program: c.Program, Err: runErr}
}

// redirectWriter builds the io.Writer for one stdio stream: the capture
// buffer (always present, used to build diagnostics) fanned out with an
// optional file and/or in-memory buffer, either of which may be active at
// once per §4's "simultaneously" requirement. The returned close func
// closes the file, if one was opened, and must always be called.
func redirectWriter(r Redirect, capture *bytes.Buffer) (io.Writer, func(), error) {
	writers := []io.Writer{capture}
	closeFn := func() {}

	if r.File != "" {
		f, err := os.OpenFile(r.File, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, nil, &IoError{Path: r.File, Op: "open", Err: err}
		}
		writers = append(writers, f)
		closeFn = func() { f.Close() }
	}
	if r.Buffer != nil {
		writers = append(writers, r.Buffer)
	}
	if len(writers) == 1 {
		return writers[0], closeFn, nil
	}
	return io.MultiWriter(writers...), closeFn, nil
}

// sanitizeFilename replaces path separators so a command's name can be
// used as a file basename.
func sanitizeFilename(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return r.Replace(name)
}

func wrapperIsBatch() bool {
	return runtime.GOOS == "windows"
}
