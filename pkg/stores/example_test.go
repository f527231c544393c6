package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/wzdat/wzdat/pkg/engine"
	"github.com/wzdat/wzdat/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	dir, err := os.MkdirTemp("", "wzdat-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(dir, "wzdat.db"),
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the connection and run migrations
	ctx := context.Background()
	if err := store.Open(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleRunHistory demonstrates the run lifecycle of one unit.
func ExampleRunHistory() {
	dir, err := os.MkdirTemp("", "wzdat-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, _ := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "history.db")})
	ctx := context.Background()
	if err := store.Open(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	history := stores.NewRunHistory(store)
	path := "units/errors.ipynb"

	_ = history.Reset(ctx, path, 1234)
	_ = history.Start(ctx, path, 3)
	_ = history.Step(ctx, path, 1)

	state, _ := history.State(ctx, path)
	fmt.Println(state)

	_ = history.Step(ctx, path, 2)
	_ = history.Finish(ctx, path, nil)

	state, _ = history.State(ctx, path)
	fmt.Println(state)

	// Output:
	// running
	// finished
}

// ExampleArtifactStore demonstrates publishing a table.
func ExampleArtifactStore() {
	dir, err := os.MkdirTemp("", "wzdat-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, _ := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "artifacts.db")})
	ctx := context.Background()
	if err := store.Open(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	artifacts := stores.NewArtifactStore(store)
	key := engine.ArtifactKey{Owner: "myprj", Name: "errors_by_host"}

	_, _ = artifacts.Append(ctx, key, engine.Table{
		Columns: []string{"host", "errors"},
		Rows:    [][]interface{}{{"web1", 3}, {"web2", 0}},
	})

	table, err := artifacts.Read(ctx, key)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(table.Columns, len(table.Rows))

	// Output: [host errors] 2
}
