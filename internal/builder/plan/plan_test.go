package plan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/forge/internal/builder"
)

func newTestConfig() *builder.Config {
	return &builder.Config{
		Files:    builder.NewFileStore(),
		Commands: builder.NewCommandStore(),
		Logger:   &builder.LoggerFunc{},
	}
}

func TestPlanOrdersDependenciesBeforeDependents(t *testing.T) {
	fs := builder.NewFileStore()
	dir := t.TempDir()
	intermediate := filepath.Join(dir, "gen.o")

	producer := builder.NewCommand("producer")
	producer.Program = "/bin/sh"
	producer.AddOutput(intermediate)

	consumer := builder.NewCommand("consumer")
	consumer.Program = "/bin/sh"
	consumer.AddInput(intermediate)

	p, err := New(fs, []*builder.Command{consumer, producer})
	if err != nil {
		t.Fatal(err)
	}

	order := p.Commands()
	if len(order) != 2 {
		t.Fatalf("Commands() returned %d entries, want 2", len(order))
	}
	if order[0].Name != "producer" || order[1].Name != "consumer" {
		t.Fatalf("order = [%s, %s], want [producer, consumer]", order[0].Name, order[1].Name)
	}
}

func TestPlanDedupesSameFingerprint(t *testing.T) {
	fs := builder.NewFileStore()

	a := builder.NewCommand("a")
	a.Program = "/bin/sh"
	a.Args = []string{"-c", "true"}
	b := builder.NewCommand("b")
	b.Program = "/bin/sh"
	b.Args = []string{"-c", "true"}

	p, err := New(fs, []*builder.Command{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Commands()) != 1 {
		t.Fatalf("identical commands should collapse into one plan node, got %d", len(p.Commands()))
	}
}

func TestPlanRejectsCycle(t *testing.T) {
	fs := builder.NewFileStore()
	a := builder.NewCommand("a")
	a.Program = "/bin/sh"
	b := builder.NewCommand("b")
	b.Program = "/bin/ls"
	a.AddDependency(b)
	b.AddDependency(a)

	_, err := New(fs, []*builder.Command{a, b})
	if err == nil {
		t.Fatalf("expected a cycle error")
	}
	var cycleErr *builder.CycleError
	if ce, ok := err.(*builder.CycleError); ok {
		cycleErr = ce
	}
	if cycleErr == nil {
		t.Fatalf("got %T (%v), want *builder.CycleError", err, err)
	}
	if len(cycleErr.Offenders) != 2 {
		t.Fatalf("Offenders = %v, want 2 names", cycleErr.Offenders)
	}
}

func TestPlanExecuteRunsAllCommands(t *testing.T) {
	fs := builder.NewFileStore()
	dir := t.TempDir()
	first := filepath.Join(dir, "first")
	second := filepath.Join(dir, "second")

	c1 := builder.NewCommand("c1")
	c1.Program = "/bin/sh"
	c1.Args = []string{"-c", "printf 1 > " + first}
	c1.AddOutput(first)

	c2 := builder.NewCommand("c2")
	c2.Program = "/bin/sh"
	c2.Args = []string{"-c", "cat " + first + " > " + second}
	c2.AddInput(first)
	c2.AddOutput(second)

	p, err := New(fs, []*builder.Command{c2, c1})
	if err != nil {
		t.Fatal(err)
	}

	cfg := newTestConfig()
	cfg.Files = fs
	if err := p.Execute(context.Background(), cfg, 2); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "1" {
		t.Fatalf("second = %q, want %q", got, "1")
	}
}

func TestPlanExecutePropagatesFailure(t *testing.T) {
	fs := builder.NewFileStore()
	c := builder.NewCommand("fail")
	c.Program = "/bin/sh"
	c.Args = []string{"-c", "exit 1"}

	p, err := New(fs, []*builder.Command{c})
	if err != nil {
		t.Fatal(err)
	}

	cfg := newTestConfig()
	cfg.Files = fs
	if err := p.Execute(context.Background(), cfg, 1); err == nil {
		t.Fatalf("expected Execute to propagate the failing command's error")
	}
}

func TestPlanExecuteAggregatesFailures(t *testing.T) {
	fs := builder.NewFileStore()

	var cmds []*builder.Command
	for i := 0; i < 5; i++ {
		c := builder.NewCommand(fmt.Sprintf("c%d", i))
		c.Program = "/bin/sh"
		// c.Name as $0 keeps the fingerprints distinct, so dedup keeps all five.
		if i == 2 {
			c.Args = []string{"-c", "exit 1", c.Name}
		} else {
			c.Args = []string{"-c", "true", c.Name}
		}
		cmds = append(cmds, c)
	}

	p, err := New(fs, cmds)
	if err != nil {
		t.Fatal(err)
	}

	cfg := newTestConfig()
	cfg.Files = fs
	err = p.Execute(context.Background(), cfg, 5)
	if err == nil {
		t.Fatalf("expected Execute to report the failing command")
	}
	execErr, ok := err.(*ExecutionError)
	if !ok {
		t.Fatalf("got %T, want *ExecutionError", err)
	}
	if len(execErr.Errors) != 1 {
		t.Fatalf("ExecutionError.Errors has %d entries, want exactly 1 (five independent commands, one failure)", len(execErr.Errors))
	}
}

func TestPlanExecuteSkipErrorsTolerates(t *testing.T) {
	fs := builder.NewFileStore()

	var cmds []*builder.Command
	for i := 0; i < 4; i++ {
		c := builder.NewCommand(fmt.Sprintf("c%d", i))
		c.Program = "/bin/sh"
		// c.Name as $0 keeps the fingerprints distinct, so dedup keeps all four.
		if i < 2 {
			c.Args = []string{"-c", "exit 1", c.Name}
		} else {
			c.Args = []string{"-c", "true", c.Name}
		}
		cmds = append(cmds, c)
	}

	p, err := New(fs, cmds)
	if err != nil {
		t.Fatal(err)
	}

	cfg := newTestConfig()
	cfg.Files = fs
	cfg.SkipErrors = 2
	err = p.Execute(context.Background(), cfg, 4)
	execErr, ok := err.(*ExecutionError)
	if !ok {
		t.Fatalf("got %T (%v), want *ExecutionError", err, err)
	}
	if len(execErr.Errors) != 2 {
		t.Fatalf("ExecutionError.Errors has %d entries, want exactly 2 with SkipErrors=2", len(execErr.Errors))
	}
}

func TestPlanExecuteDoesNotKillSiblingsOnFailure(t *testing.T) {
	fs := builder.NewFileStore()
	dir := t.TempDir()
	marker := filepath.Join(dir, "slow.done")

	fail := builder.NewCommand("fail")
	fail.Program = "/bin/sh"
	fail.Args = []string{"-c", "exit 1"}

	slow := builder.NewCommand("slow")
	slow.Program = "/bin/sh"
	slow.Args = []string{"-c", "sleep 0.2 && touch " + marker}

	p, err := New(fs, []*builder.Command{fail, slow})
	if err != nil {
		t.Fatal(err)
	}

	cfg := newTestConfig()
	cfg.Files = fs
	if err := p.Execute(context.Background(), cfg, 2); err == nil {
		t.Fatalf("expected Execute to report the failing command")
	}

	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("slow sibling did not finish after fail's failure (cancellation must be cooperative): %v", err)
	}
}

func TestPlanGatherStrings(t *testing.T) {
	fs := builder.NewFileStore()
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out")

	c := builder.NewCommand("c")
	c.Program = "/bin/sh"
	c.AddInput(in)
	c.AddOutput(out)

	p, err := New(fs, []*builder.Command{c})
	if err != nil {
		t.Fatal(err)
	}

	strs := p.GatherStrings()
	want := map[string]bool{in: true, out: true}
	if len(strs) != len(want) {
		t.Fatalf("GatherStrings() = %v, want entries for %v", strs, want)
	}
	for _, s := range strs {
		if !want[s] {
			t.Fatalf("unexpected entry %q", s)
		}
	}
}

func TestPlanExplainListsDependencies(t *testing.T) {
	fs := builder.NewFileStore()
	dir := t.TempDir()
	intermediate := filepath.Join(dir, "gen.o")

	producer := builder.NewCommand("producer")
	producer.Program = "/bin/sh"
	producer.AddOutput(intermediate)

	consumer := builder.NewCommand("consumer")
	consumer.Program = "/bin/sh"
	consumer.AddInput(intermediate)

	p, err := New(fs, []*builder.Command{consumer, producer})
	if err != nil {
		t.Fatal(err)
	}

	explain := p.Explain()
	if !contains(explain, "consumer") || !contains(explain, "producer") {
		t.Fatalf("Explain() = %q, want both command names", explain)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
