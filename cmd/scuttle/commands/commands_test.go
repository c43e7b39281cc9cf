// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/scuttle/cmd/scuttle/cli"
	"github.com/bureau-foundation/scuttle/lib/config"
	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/node"
	"github.com/bureau-foundation/scuttle/lib/service"
	"github.com/bureau-foundation/scuttle/lib/testutil"
)

// startDaemon runs a node with its control socket, as scuttle-node
// does, and returns the socket path.
func startDaemon(t *testing.T) (*node.Node, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Repo.Path = t.TempDir()
	cfg.Network.ListenAddr = ""
	cfg.Network.ControlSocket = filepath.Join(testutil.SocketDir(t), "control.sock")

	n, err := node.Start(context.Background(), node.Options{Config: cfg, Logger: testutil.Logger()})
	if err != nil {
		t.Fatalf("node.Start: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	server := service.NewSocketServer(cfg.Network.ControlSocket, testutil.Logger())
	n.RegisterControl(server)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "control socket did not stop")
	})
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, err := os.Stat(cfg.Network.ControlSocket)
		return err == nil
	}, "control socket never appeared")
	return n, cfg.Network.ControlSocket
}

// scuttle runs the CLI with args and returns what it printed.
func scuttle(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var output bytes.Buffer
	previous := cli.Stdout
	cli.Stdout = &output
	defer func() { cli.Stdout = previous }()
	err := Root().Execute(args)
	return output.String(), err
}

func mustScuttle(t *testing.T, args ...string) string {
	t.Helper()
	output, err := scuttle(t, args...)
	if err != nil {
		t.Fatalf("scuttle %s: %v", strings.Join(args, " "), err)
	}
	return output
}

func TestPublishStatusAndStream(t *testing.T) {
	n, socket := startDaemon(t)

	output := mustScuttle(t, "publish", "--socket", socket, `{"type":"post","text":"from the cli"}`)
	key, sequence, found := strings.Cut(strings.TrimSpace(output), "\t")
	if !found || !strings.HasPrefix(key, "%") || sequence != "1" {
		t.Fatalf("publish output = %q", output)
	}

	var status struct {
		Feed string            `json:"feed"`
		Tips map[string]uint64 `json:"tips"`
	}
	if err := json.Unmarshal([]byte(mustScuttle(t, "status", "--socket", socket)), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.Feed != n.Identity().String() {
		t.Errorf("status feed = %q, want %q", status.Feed, n.Identity())
	}

	var entries []node.Entry
	page := mustScuttle(t, "stream", "published", "--socket", socket)
	if err := json.Unmarshal([]byte(page), &entries); err != nil {
		t.Fatalf("decoding page: %v", err)
	}
	if len(entries) != 1 || !strings.Contains(string(entries[0].Value.Content), "from the cli") {
		t.Errorf("published stream = %s", page)
	}

	root := mustScuttle(t, "stream", "root", "--socket", socket, "--limit", "1")
	if !strings.Contains(root, `"rx"`) {
		t.Errorf("root stream has no rx cursor: %s", root)
	}
}

func TestDaemonErrorsReachTheCLI(t *testing.T) {
	_, socket := startDaemon(t)

	_, err := scuttle(t, "feed", "replicate", "--socket", socket, "not-a-feed")
	var serviceError *service.ServiceError
	if !errors.As(err, &serviceError) || serviceError.Action != "replicate" {
		t.Fatalf("error = %v, want a replicate ServiceError", err)
	}

	if _, err := scuttle(t, "publish", "--socket", socket, `not json`); err == nil {
		t.Error("publishing invalid content succeeded")
	}
	if _, err := scuttle(t, "feed", "null-content", "--socket", socket, "@x", "zero"); err == nil {
		t.Error("null-content accepted a non-numeric sequence")
	}
}

func TestBlobRoundTrip(t *testing.T) {
	_, socket := startDaemon(t)
	directory := t.TempDir()
	source := filepath.Join(directory, "in.bin")
	if err := os.WriteFile(source, []byte("attachment bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	blob := strings.TrimSpace(mustScuttle(t, "blob", "add", "--socket", socket, source))
	if !strings.HasPrefix(blob, "&") {
		t.Fatalf("blob add printed %q", blob)
	}
	if got := strings.TrimSpace(mustScuttle(t, "blob", "want", "--socket", socket, blob)); got != "stored" {
		t.Errorf("blob want of a stored blob printed %q", got)
	}

	destination := filepath.Join(directory, "out.bin")
	mustScuttle(t, "blob", "get", "--socket", socket, "-o", destination, blob)
	data, err := os.ReadFile(destination)
	if err != nil || string(data) != "attachment bytes" {
		t.Errorf("blob get wrote %q, %v", data, err)
	}
}

func TestRepositoryCommands(t *testing.T) {
	_, socket := startDaemon(t)
	mustScuttle(t, "publish", "--socket", socket, `{"type":"post","text":"a"}`)

	report := mustScuttle(t, "repo", "fsck", "--socket", socket, "--mode", "full")
	if !strings.Contains(report, `"healthy": true`) {
		t.Errorf("fsck report = %s", report)
	}
	if _, err := scuttle(t, "repo", "fsck", "--socket", socket, "--mode", "deep"); err == nil {
		t.Error("fsck accepted an unknown mode")
	}
	if got := strings.TrimSpace(mustScuttle(t, "repo", "drop-index", "--socket", socket)); got != "ok" {
		t.Errorf("drop-index printed %q", got)
	}
	if heal := mustScuttle(t, "repo", "heal", "--socket", socket); !strings.Contains(heal, `"messages": 0`) {
		t.Errorf("heal report = %s", heal)
	}
	if got := strings.TrimSpace(mustScuttle(t, "peer", "disconnect-all", "--socket", socket)); got != "ok" {
		t.Errorf("disconnect-all printed %q", got)
	}
}

func TestKeygen(t *testing.T) {
	output := mustScuttle(t, "keygen")
	pair, err := keys.Parse([]byte(output))
	if err != nil {
		t.Fatalf("keygen output does not parse: %v\n%s", err, output)
	}

	path := filepath.Join(t.TempDir(), "secret")
	printed := strings.TrimSpace(mustScuttle(t, "keygen", "-o", path))
	loaded, err := keys.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if printed != loaded.Feed().String() {
		t.Errorf("keygen -o printed %q, saved %q", printed, loaded.Feed())
	}
	if loaded.Feed() == pair.Feed() {
		t.Error("two keygen runs produced the same identity")
	}
}

func TestVersionCommand(t *testing.T) {
	if output := mustScuttle(t, "version"); !strings.HasPrefix(output, "scuttle ") {
		t.Errorf("version printed %q", output)
	}
}
