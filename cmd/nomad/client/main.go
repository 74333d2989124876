package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/nomad-sync/cmd/nomad/pkg"
	"github.com/astromechza/nomad-sync/pkg/ids"
	"github.com/astromechza/nomad-sync/pkg/nomad"
	"github.com/astromechza/nomad-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to request on")
	secretVar := flag.String("secret", os.Getenv("NOMAD_SECRET"), "the caller secret, generated when empty")
	nomadsVar := flag.String("nomads", "", "comma separated nomad ids to follow, a new one is created when empty")
	ownVar := flag.Bool("own", false, "pin written nomads to this caller")
	intervalVar := flag.Duration("interval", 2*time.Second, "the sync interval")
	flag.Parse()

	baseUrl, err := url.Parse("ws://" + *addrVar)
	if err != nil {
		return err
	}

	secret := ids.NewSecret()
	if *secretVar != "" {
		if secret, err = ids.ParseSecret(*secretVar); err != nil {
			return fmt.Errorf("invalid secret: %w", err)
		}
	} else {
		slog.Info("generated secret", "secret", secret.String())
	}

	c := newClient(baseUrl, secret, *ownVar)
	if *nomadsVar == "" {
		c.create(ids.Random())
	} else {
		for _, raw := range strings.Split(*nomadsVar, ",") {
			id, err := ids.Parse(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("invalid nomad id %q: %w", raw, err)
			}
			c.follow(id)
		}
	}
	slog.Info("following nomads", "identity", secret.Identity(), "count", len(c.nomads))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.syncContinuously(ctx, *intervalVar)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.incrementRandomlyContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1) // buffered so the notifier is never blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()
	c.dump()
	return nil
}

// localNomad is the client copy of one nomad. doc stays nil until the
// server has been asked about the nomad at least once.
type localNomad struct {
	doc *automerge.Doc
	// version is the last version the server confirmed or sent us.
	version uint32
	// synced are the heads of the last state agreed with the server.
	synced  []automerge.ChangeHash
	created uint64
	updated uint64
	read    uint64
	// pushed is the version we offered in the pending request, if any,
	// and offered the heads that went with it.
	pushed  uint32
	offered []automerge.ChangeHash
}

type client struct {
	baseUrl *url.URL
	secret  ids.Secret
	own     bool

	lock   sync.Mutex
	nomads map[ids.ID]*localNomad
	conn   *websocket.Conn
}

func newClient(baseUrl *url.URL, secret ids.Secret, own bool) *client {
	return &client{baseUrl: baseUrl, secret: secret, own: own, nomads: map[ids.ID]*localNomad{}}
}

func (c *client) create(id ids.ID) {
	doc := automerge.New()
	if err := doc.Path("counter").Set(automerge.NewCounter(0)); err != nil {
		slog.Error("failed to seed counter", "nomad", id, "err", err)
	}
	if _, err := doc.Commit("seed", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		slog.Error("failed to commit seed", "nomad", id, "err", err)
	}
	now := uint64(time.Now().UnixMilli())
	c.nomads[id] = &localNomad{doc: doc, created: now, updated: now, read: now}
	slog.Info("created nomad", "nomad", id)
}

func (c *client) follow(id ids.ID) {
	c.nomads[id] = &localNomad{}
}

// request lists every nomad. Unknown ones ask with version 0, local
// changes are offered under the next version, anything else only
// announces the version we hold.
func (c *client) request() nomad.Request {
	c.lock.Lock()
	defer c.lock.Unlock()
	req := nomad.Request{NomadVersions: make(map[string]nomad.WireRecord, len(c.nomads))}
	for id, n := range c.nomads {
		n.pushed = 0
		if n.doc == nil {
			req.NomadVersions[id.String()] = nomad.WireRecord{Version: 0}
			continue
		}
		if slices.Equal(n.doc.Heads(), n.synced) {
			req.NomadVersions[id.String()] = nomad.WireRecord{Version: n.version}
			continue
		}
		n.pushed = n.version + 1
		n.offered = n.doc.Heads()
		payload := base64.StdEncoding.EncodeToString(n.doc.Save())
		created, updated, read := n.created, n.updated, n.read
		w := nomad.WireRecord{
			Version:   n.pushed,
			Payload:   &payload,
			CreatedAt: &created,
			UpdatedAt: &updated,
			ReadAt:    &read,
		}
		if c.own {
			owner := c.secret.Identity().String()
			w.Owner = &owner
		}
		req.NomadVersions[id.String()] = w
	}
	return req
}

// apply folds a reply back in. Pulled state is merged rather than
// replacing local edits, which are offered again on the next round.
func (c *client) apply(reply nomad.Reply) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for key, kerr := range reply.Errors {
		slog.Error("server refused nomad", "nomad", key, "code", kerr.Code, "message", kerr.Message)
	}
	for id, n := range c.nomads {
		key := id.String()
		if kerr, failed := reply.Errors[key]; failed {
			// A bare version is refused once the server lost the record,
			// for example after a reset. Offer the full record next round.
			if kerr.Code == nomad.CodeInvalidInput && n.doc != nil {
				n.synced = nil
			}
			continue
		}
		remote, pulled := reply.NomadData[key]
		switch {
		case pulled:
			if err := n.merge(remote); err != nil {
				slog.Error("failed to merge nomad", "nomad", key, "err", err)
			} else if n.pushed > 0 {
				slog.Warn("write was not accepted", "nomad", key, "offered", n.pushed, "server", remote.Version)
			}
		case n.pushed > 0:
			n.version = n.pushed
			n.synced = n.offered
			slog.Info("pushed nomad", "nomad", key, "version", n.version)
		case n.doc == nil:
			slog.Warn("server does not know nomad", "nomad", key)
		}
	}
}

func (n *localNomad) merge(remote nomad.WireRecord) error {
	if remote.Payload == nil {
		return fmt.Errorf("reply without payload")
	}
	raw, err := base64.StdEncoding.DecodeString(*remote.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	if n.doc == nil {
		n.doc = doc
	} else if _, err := n.doc.Merge(doc); err != nil {
		return fmt.Errorf("failed to merge doc: %w", err)
	}
	n.version = remote.Version
	n.synced = doc.Heads()
	if remote.CreatedAt != nil {
		n.created = *remote.CreatedAt
	}
	if remote.UpdatedAt != nil {
		n.updated = *remote.UpdatedAt
	}
	if remote.ReadAt != nil {
		n.read = *remote.ReadAt
	}
	value, _ := n.doc.Path("counter").Counter().Get()
	slog.Info("pulled nomad", "version", n.version, "heads", n.doc.Heads(), "counter", value)
	return nil
}

func (c *client) dial() (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	header := http.Header{}
	header.Set("X-Secret-Key", c.secret.String())
	conn, _, err := websocket.DefaultDialer.Dial(c.baseUrl.JoinPath("api/v2/nomads/ws").String(), header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	c.conn = conn
	return conn, nil
}

func (c *client) sync(ctx context.Context) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	reply, err := pkg.Exchange(ctx, conn, c.request())
	if err != nil {
		_ = conn.Close()
		c.conn = nil
		return err
	}
	c.apply(reply)
	return nil
}

func (c *client) syncContinuously(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.sync(ctx); err != nil {
				slog.Error("failed to sync", "err", err)
			}
		case <-ctx.Done():
			slog.Info("stopping scheduled sync")
			if c.conn != nil {
				_ = pkg.Close(c.conn)
			}
			return
		}
	}
}

func (c *client) incrementRandomlyContinuously(ctx context.Context) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			c.incrementOne()
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled increment")
			return
		}
	}
}

func (c *client) incrementOne() {
	c.lock.Lock()
	defer c.lock.Unlock()
	for id, n := range c.nomads {
		if n.doc == nil {
			continue
		}
		if err := n.doc.Path("counter").Counter().Inc(1); err != nil {
			slog.Error("failed to increment counter", "nomad", id, "err", err)
			return
		}
		if _, err := n.doc.Commit("incremented"); err != nil {
			slog.Error("failed to commit doc", "nomad", id, "err", err)
			return
		}
		n.updated = uint64(time.Now().UnixMilli())
		value, _ := n.doc.Path("counter").Counter().Get()
		slog.Info("incremented", "nomad", id, "heads", n.doc.Heads(), "value", value)
		return
	}
}

func (c *client) dump() {
	c.lock.Lock()
	defer c.lock.Unlock()
	for id, n := range c.nomads {
		if n.doc == nil {
			continue
		}
		tf := filepath.Join(os.TempDir(), id.String()+".automerge")
		if err := os.WriteFile(tf, n.doc.Save(), 0o644); err != nil {
			slog.Error("failed to dump", "nomad", id, "err", err)
			continue
		}
		slog.Info("dumped", "nomad", id, "path", tf)
		if svgPath, err := viz.RenderToTemp(n.doc, viz.Options{Title: id.String(), Version: n.version, Path: []interface{}{"counter"}}); err != nil {
			slog.Error("failed to render", "nomad", id, "err", err)
		} else {
			slog.Info("rendered", "nomad", id, "path", "file://"+svgPath)
		}
	}
}
