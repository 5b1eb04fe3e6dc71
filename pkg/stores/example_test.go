package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/swarmlite/swarmlite/pkg/engine"
	"github.com/swarmlite/swarmlite/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:          ":memory:", // Use in-memory database for example
		SigningSecret: "example-secret-with-at-least-32-characters",
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_History demonstrates reading back a workflow's state log.
func ExampleSQLiteStore_History() {
	store, _ := stores.NewSQLiteStore(stores.Config{
		Path:          ":memory:",
		SigningSecret: "example-secret-with-at-least-32-characters",
	})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	wf := &engine.Workflow{
		ID:     "w1",
		Tasks:  []engine.Task{{ID: "a", Type: engine.TaskTypePython}},
		Status: engine.WorkflowStatusRunning,
	}
	_ = store.PersistWorkflow(ctx, wf)

	wf.Tasks[0].Status = engine.TaskStatusSuccess
	_ = store.PersistTask(ctx, wf.ID, &wf.Tasks[0])

	history, err := store.History(ctx, "w1")
	if err != nil {
		log.Fatal(err)
	}

	for _, rec := range history {
		ok, _ := store.Signer().Verify(&rec)
		fmt.Printf("task=%q status=%s verified=%v\n", rec.TaskID, rec.Status, ok)
	}
	// Output:
	// task="" status=running verified=true
	// task="a" status=success verified=true
}
