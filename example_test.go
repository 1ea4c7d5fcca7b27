package stepflow_test

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/stepflow"
)

// ExampleNewLocalRunner runs a two-step workflow on the in-process runner.
func ExampleNewLocalRunner() {
	ctx := context.Background()
	runner := stepflow.NewLocalRunner(nil)
	if err := runner.StartWorkers(ctx, 1); err != nil {
		panic(err)
	}
	defer func() { _ = runner.Stop() }()

	def := stepflow.New("welcome").
		Document("letter", "letter", "Dear {{.name}}").
		Decide("route", stepflow.EndPath, stepflow.When("vip == true", "letter")).
		MustCreate(ctx, runner.Engine)

	inst, err := stepflow.Start(ctx, runner.Engine, def.ID, map[string]any{"name": "Ada", "vip": true}, "example")
	if err != nil {
		panic(err)
	}

	for inst.Status == stepflow.StatusRunning {
		time.Sleep(10 * time.Millisecond)
		if inst, err = stepflow.GetInstance(ctx, runner.Engine, inst.ID); err != nil {
			panic(err)
		}
	}
	fmt.Println(inst.Status, inst.Variables["document"], inst.Variables["path"])
	// Output: COMPLETED Dear Ada letter
}
