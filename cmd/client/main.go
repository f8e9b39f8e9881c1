package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-sync/pkg/client"
	"github.com/astromechza/automerge-sync/pkg/logging"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to connect to")
	docVar := flag.String("doc", "default", "the document to join")
	tokenVar := flag.String("token", "", "the auth token, when the server requires one")
	nameVar := flag.String("name", fmt.Sprintf("client-%d", os.Getpid()), "the name published as awareness state")
	levelVar := flag.String("log-level", "info", "the log level")
	flag.Parse()

	if _, err := logging.Setup(os.Stderr, logging.FormatText, *levelVar); err != nil {
		return err
	}

	u := url.URL{Scheme: "ws", Host: *addrVar, Path: "/" + *docVar}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := client.Dial(ctx, u.String(), client.Options{Token: *tokenVar})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.WaitFor(ctx, func(c *client.Client) bool { return c.Synced() }); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	slog.Info("established base doc", "heads", c.Heads())

	state, _ := json.Marshal(map[string]string{"name": *nameVar})
	if err := c.SetAwareness(state); err != nil {
		return err
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		incrementRandomlyContinuously(ctx, c)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Signal caught")
	case <-c.Done():
		slog.Warn("connection closed", "err", c.Err())
		cancel()
	}
	wg.Wait()

	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.automerge", *docVar, os.Getpid()))
	if err := os.WriteFile(tf, c.Save(), 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)
	return nil
}

func incrementRandomlyContinuously(ctx context.Context, c *client.Client) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			if err := c.Change(func(doc *automerge.Doc) error {
				return doc.Path("counter").Counter().Inc(1)
			}); err != nil {
				slog.Error("failed to increment counter", "err", err)
			} else {
				value, _ := c.View("counter")
				slog.Info("incremented", "heads", c.Heads(), "value", value, "peers", len(c.Peers()))
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled increment")
			return
		}
	}
}
