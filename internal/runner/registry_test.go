package runner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/kiln/internal/controller"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/runner"
)

// namedRunner is a minimal Runner for registry tests.
type namedRunner struct {
	name string
}

func (n *namedRunner) Run(_ context.Context, _ runner.Program, opts model.Options) (controller.Controller, error) {
	return controller.NewBase(opts.Argument(model.OptionRunID), model.StateRunning), nil
}

func TestRegistryRegisterAndTypes(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register(model.TypeWorker, &namedRunner{name: "worker"})
	reg.Register(model.TypeCustom, &namedRunner{name: "custom"})

	types := reg.Types()
	if len(types) != 2 {
		t.Fatalf("Types() returned %d types, want 2", len(types))
	}
	if types[0] != model.TypeCustom || types[1] != model.TypeWorker {
		t.Errorf("Types() = %v, want [custom worker]", types)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register(model.TypeWorker, &namedRunner{name: "worker"})

	rn, err := reg.Resolve(model.TypeWorker)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rn.(*namedRunner).name != "worker" {
		t.Errorf("resolved runner = %q, want %q", rn.(*namedRunner).name, "worker")
	}
}

func TestRegistryResolveNotRegistered(t *testing.T) {
	reg := runner.NewRegistry()

	_, err := reg.Resolve(model.TypeService)
	if !errors.Is(err, runner.ErrUnavailable) {
		t.Errorf("Resolve error = %v, want ErrUnavailable", err)
	}
}

func TestRegistryReplace(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register(model.TypeFlow, &namedRunner{name: "old"})
	reg.Register(model.TypeFlow, &namedRunner{name: "new"})

	rn, err := reg.Resolve(model.TypeFlow)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rn.(*namedRunner).name != "new" {
		t.Errorf("resolved runner = %q, want %q", rn.(*namedRunner).name, "new")
	}
}

func TestRunnerFunc(t *testing.T) {
	var got runner.Program
	fn := runner.RunnerFunc(func(_ context.Context, p runner.Program, opts model.Options) (controller.Controller, error) {
		got = p
		return controller.NewBase(opts.Argument(model.OptionRunID), model.StateCompleted), nil
	})

	ctl, err := fn.Run(context.Background(), runner.Program{Path: "/tmp/p"}, model.Options{Arguments: map[string]string{model.OptionRunID: "r1"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Path != "/tmp/p" {
		t.Errorf("program path = %q, want /tmp/p", got.Path)
	}
	if ctl.RunID() != "r1" || ctl.State() != model.StateCompleted {
		t.Errorf("controller = (%q, %q), want (r1, completed)", ctl.RunID(), ctl.State())
	}
}
