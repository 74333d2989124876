package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/nomad-sync/pkg/ids"
	"github.com/astromechza/nomad-sync/pkg/kvstore"
	"github.com/astromechza/nomad-sync/pkg/nomad"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// mainInner prints one stored nomad as the server would hand it out, without
// refreshing its read stamp or completing a pending migration.
func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	storeVar := flag.String("store", kvstore.KindPebble, "the storage backend: pebble or sqlite")
	dataVar := flag.String("data", "nomads", "the directory holding the store")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the nomad id to read")
	}
	id, err := ids.Parse(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid nomad id: %w", err)
	}

	store, err := kvstore.Open(*storeVar, *dataVar)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	raw, err := store.Get(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", id, err)
	}
	rec, migrated, err := nomad.Decode(raw, time.Now())
	if err != nil {
		return err
	}
	slog.Info("loaded record", "id", id, "bytes", len(raw), "legacy", migrated, "version", rec.Version, "owner", rec.Owner)

	out, err := json.MarshalIndent(nomad.FromRecord(rec), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	fmt.Println(string(out))

	if rec.Payload != nil {
		describePayload(*rec.Payload)
	}
	return nil
}

// describePayload logs the automerge history behind a payload when it is
// one. Other payloads are opaque and left alone.
func describePayload(payload string) {
	buff, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		slog.Info("payload is not base64", "err", err)
		return
	}
	doc, err := automerge.Load(buff)
	if err != nil {
		slog.Info("payload is not an automerge doc", "err", err)
		return
	}
	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads())

	changes, err := doc.Changes()
	if err != nil {
		slog.Error("failed to generate changes", "err", err)
		return
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}
}
