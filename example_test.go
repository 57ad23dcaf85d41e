package converge_test

import (
	"context"
	"fmt"
	"log"

	converge "github.com/convergehq/converge"
)

func Example() {
	ctx := context.Background()

	sys, err := converge.NewInMemorySystem(converge.Options{})
	if err != nil {
		log.Fatal(err)
	}

	// Handlers are bound to capabilities, not to individual flow types.
	_ = sys.Orchestrator.RegisterPhaseHandler("normalizer",
		func(ctx context.Context, exec converge.Executor, f *converge.FlowInstance, input any) (any, error) {
			return input, nil
		})

	converge.NewFlowType("onboard-import").
		Phase("normalize", "normalizer").
		Phase("finalize", "normalizer").
		MustRegister(sys.Orchestrator)

	scope := converge.TenantScope{ClientID: "client-1", EngagementID: "eng-1"}
	snap, err := sys.Orchestrator.Initialize(ctx, scope, "onboard-import", nil)
	if err != nil {
		log.Fatal(err)
	}
	snap, err = sys.Orchestrator.Start(ctx, snap.ID)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(snap.Status, snap.Progress)

	snap, err = sys.Orchestrator.Approve(ctx, snap.ID, "reviewer")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(snap.Status, snap.Progress)

	// Output:
	// COMPLETED 90
	// COMPLETED 100
}
