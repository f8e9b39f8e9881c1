package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/astromechza/automerge-sync/pkg/crdt"
	"github.com/astromechza/automerge-sync/pkg/logging"
	"github.com/astromechza/automerge-sync/pkg/persistence"
	"github.com/astromechza/automerge-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	driverVar := flag.String("driver", "", "read the document from this persistence driver instead of a file")
	dsnVar := flag.String("dsn", "", "the persistence dsn")
	keysVar := flag.String("keys", "", "comma separated root keys to print")
	svgVar := flag.String("svg", "", "write the change graph to this svg file")
	labelVar := flag.String("label", "", "root key used to label change graph nodes")
	levelVar := flag.String("log-level", "info", "the log level")
	flag.Parse()

	if _, err := logging.Setup(os.Stderr, logging.FormatText, *levelVar); err != nil {
		return err
	}
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file or document name to read")
	}

	doc, err := load(context.Background(), *driverVar, *dsnVar, flag.Arg(0))
	if err != nil {
		return err
	}
	am := doc.Automerge()
	slog.Info("loaded doc", "contents", am.RootMap().GoString())
	slog.Info("loaded heads", "heads", am.Heads())

	changes, err := am.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	if *keysVar != "" {
		views, err := doc.Views(strings.Split(*keysVar, ","))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(views); err != nil {
			return fmt.Errorf("failed to encode views: %w", err)
		}
	}

	if *svgVar != "" {
		if err := viz.RenderFile(am, *labelVar, *svgVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}

func load(ctx context.Context, driver, dsn, arg string) (*crdt.Document, error) {
	if driver == "" {
		raw, err := os.ReadFile(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		return crdt.Load(raw)
	}
	store, err := persistence.Open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	rec, err := store.Load(ctx, arg)
	if err != nil {
		return nil, err
	}
	slog.Info("loaded record", "doc", arg, "snapshot", len(rec.Snapshot), "updates", len(rec.Updates))
	return rec.Document()
}
