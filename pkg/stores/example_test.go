package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/stores"
)

// ExampleNewHistoryStore demonstrates creating and initializing a history store.
func ExampleNewHistoryStore() {
	store, err := stores.NewHistoryStore(stores.HistoryConfig{
		Path: ":memory:", // Use in-memory database for example
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

// ExampleHistoryStore_RunFinished demonstrates recording the result of a run.
func ExampleHistoryStore_RunFinished() {
	ctx := context.Background()
	store, err := stores.OpenHistory(ctx, ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_ = store.RunFinished(ctx, &engine.ApplyResult{
		RunID:     "run-001",
		Status:    engine.RunStatusCompleted,
		Succeeded: 4,
		StartedAt: started,
		Duration:  3 * time.Second,
	})

	run, err := store.GetRun(ctx, "run-001")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Run %s: %s, %d succeeded in %s\n", run.ID, run.Status, run.Succeeded, run.Duration)
	// Output: Run run-001: completed, 4 succeeded in 3s
}

// ExampleFileStateStore_CreateCheckpoint demonstrates checkpointing state.
func ExampleFileStateStore_CreateCheckpoint() {
	dir, err := os.MkdirTemp("", "tengil-state")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := stores.NewFileStateStore(dir)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	fingerprint := stores.Fingerprint([]byte("pools:\n  tank: {}\n"))
	_ = store.Save(ctx, &engine.StateSnapshot{Fingerprint: fingerprint})

	ckpt, err := store.CreateCheckpoint(ctx, "before upgrade", nil, nil)
	if err != nil {
		log.Fatal(err)
	}

	restored, err := store.RestoreCheckpoint(ctx, ckpt.ID)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(ckpt.Label, restored.Fingerprint == fingerprint)
	// Output: before upgrade true
}
