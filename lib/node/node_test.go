// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/scuttle/lib/config"
	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/offsetlog"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/replication"
	"github.com/bureau-foundation/scuttle/lib/room"
	"github.com/bureau-foundation/scuttle/lib/testutil"
)

const converge = 10 * time.Second

func testKey(t *testing.T, seed byte) *keys.KeyPair {
	t.Helper()
	pair, err := keys.FromSeed(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	return pair
}

type nodeOptions struct {
	dir      string
	listen   bool
	identity *keys.KeyPair
	rooms    replication.CallHandler
	listener *recordingListener
}

func startNode(t *testing.T, opts nodeOptions) *Node {
	t.Helper()
	if opts.dir == "" {
		opts.dir = t.TempDir()
	}
	cfg := config.Default()
	cfg.Repo.Path = opts.dir
	cfg.Network.ListenAddr = ""
	cfg.Network.ControlSocket = ""
	if opts.listen {
		cfg.Network.ListenAddr = "127.0.0.1:0"
	}
	options := Options{
		Config:   cfg,
		Identity: opts.identity,
		Rooms:    opts.rooms,
		Logger:   testutil.Logger(),
	}
	if opts.listener != nil {
		options.Migrations = opts.listener
	}
	n, err := Start(context.Background(), options)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func addressOf(t *testing.T, n *Node) ref.Address {
	t.Helper()
	host, portText, err := net.SplitHostPort(n.ListenAddress())
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", n.ListenAddress(), err)
	}
	port, _ := strconv.Atoi(portText)
	address, err := ref.NewAddress(host, port, n.Identity())
	if err != nil {
		t.Fatalf("NewAddress: %v", err)
	}
	return address
}

func publishPosts(t *testing.T, n *Node, count int) {
	t.Helper()
	for i := range count {
		content := fmt.Sprintf(`{"type":"post","text":"post %d"}`, i)
		if _, err := n.Publish(context.Background(), []byte(content)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
}

func decodeEntries(t *testing.T, data []byte) []Entry {
	t.Helper()
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("decoding stream page %s: %v", data, err)
	}
	return entries
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) OnRunning(index, count int) {
	l.record(fmt.Sprintf("running %d/%d", index, count))
}

func (l *recordingListener) OnError(index, count, code int) {
	l.record(fmt.Sprintf("error %d/%d code %d", index, count, code))
}

func (l *recordingListener) OnDone(count int) {
	l.record(fmt.Sprintf("done %d", count))
}

func (l *recordingListener) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestStartMigratesOnceAndKeepsIdentity(t *testing.T) {
	dir := t.TempDir()

	first := &recordingListener{}
	n := startNode(t, nodeOptions{dir: dir, listener: first})
	feed := n.Identity()
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	want := []string{"running 0/3", "running 1/3", "running 2/3", "done 3"}
	if got := first.Events(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("first start events = %v, want %v", got, want)
	}
	if _, err := os.Stat(dir + "/secret"); err != nil {
		t.Errorf("secret not created: %v", err)
	}

	second := &recordingListener{}
	n = startNode(t, nodeOptions{dir: dir, listener: second})
	if got := second.Events(); len(got) != 1 || got[0] != "done 3" {
		t.Errorf("second start events = %v, want [done 3]", got)
	}
	if n.Identity() != feed {
		t.Errorf("identity changed across restarts: %s then %s", feed, n.Identity())
	}
}

func TestRepositoryIsExclusive(t *testing.T) {
	dir := t.TempDir()
	startNode(t, nodeOptions{dir: dir})
	cfg := config.Default()
	cfg.Repo.Path = dir
	cfg.Network.ListenAddr = ""
	if _, err := Start(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatal("second Start on the same repository succeeded")
	}
}

func TestClosedNodeRefusesOperations(t *testing.T) {
	n := startNode(t, nodeOptions{})
	n.Close()
	if n.Running() {
		t.Error("Running() after Close")
	}
	if _, err := n.Publish(context.Background(), []byte(`{"type":"post"}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStreamsPage(t *testing.T) {
	ctx := context.Background()
	read := pageReader(t)
	n := startNode(t, nodeOptions{identity: testKey(t, 1)})
	publishPosts(t, n, 3)

	first := read(n.StreamRootLog(ctx, 0, 2))
	if len(first) != 2 {
		t.Fatalf("first page has %d entries, want 2", len(first))
	}
	if first[0].Value.Sequence != 1 || first[1].Value.Sequence != 2 {
		t.Errorf("first page sequences = %d,%d", first[0].Value.Sequence, first[1].Value.Sequence)
	}
	if first[1].Value.Previous != first[0].Key {
		t.Error("second entry does not chain to the first")
	}
	var content struct{ Text string }
	if err := json.Unmarshal(first[0].Value.Content, &content); err != nil || content.Text != "post 0" {
		t.Errorf("content = %s (%v), want post 0", first[0].Value.Content, err)
	}

	second := read(n.StreamRootLog(ctx, first[1].RX, 2))
	if len(second) != 1 || second[0].Value.Sequence != 3 {
		t.Fatalf("second page = %+v, want only sequence 3", second)
	}
	if rest := read(n.StreamRootLog(ctx, second[0].RX, 2)); len(rest) != 0 {
		t.Errorf("page after the end has %d entries", len(rest))
	}

	published := read(n.StreamPublishedLog(ctx, 1, 10))
	if len(published) != 2 || published[0].Value.Sequence != 2 {
		t.Errorf("published after 1 = %+v, want sequences 2 and 3", published)
	}
}

func TestPrivateMessagesStreamDecrypted(t *testing.T) {
	ctx := context.Background()
	read := pageReader(t)
	n := startNode(t, nodeOptions{identity: testKey(t, 1)})
	friend := testKey(t, 2).Feed()
	publishPosts(t, n, 1)

	secret := `{"type":"post","text":"for your eyes"}`
	message, err := n.PublishPrivate(ctx, []byte(secret), []ref.FeedID{friend})
	if err != nil {
		t.Fatalf("PublishPrivate: %v", err)
	}
	if !message.Private || bytes.Contains(message.Content, []byte("eyes")) {
		t.Fatal("private message stored in the clear")
	}

	root := read(n.StreamRootLog(ctx, 0, 10))
	var box string
	if len(root) != 2 || json.Unmarshal(root[1].Value.Content, &box) != nil || !strings.HasSuffix(box, ".box") {
		t.Fatalf("root log private entry = %s, want a .box string", root[len(root)-1].Value.Content)
	}

	private := read(n.StreamPrivateLog(ctx, 0, 10))
	if len(private) != 1 {
		t.Fatalf("private stream has %d entries, want 1", len(private))
	}
	if string(private[0].Value.Content) != secret {
		t.Errorf("decrypted content = %s, want %s", private[0].Value.Content, secret)
	}

	if _, err := n.PublishPrivate(ctx, []byte(secret), nil); err == nil {
		t.Error("PublishPrivate with no recipients succeeded")
	}
}

func TestNodesReplicateOverTCP(t *testing.T) {
	ctx := context.Background()
	alice := startNode(t, nodeOptions{listen: true, identity: testKey(t, 1)})
	bob := startNode(t, nodeOptions{listen: true, identity: testKey(t, 2)})
	publishPosts(t, alice, 5)
	publishPosts(t, bob, 2)

	if err := alice.SetReplicate(ctx, bob.Identity(), true); err != nil {
		t.Fatalf("SetReplicate: %v", err)
	}
	if err := bob.SetReplicate(ctx, alice.Identity(), true); err != nil {
		t.Fatalf("SetReplicate: %v", err)
	}
	if err := bob.ConnectPeer(ctx, addressOf(t, alice)); err != nil {
		t.Fatalf("ConnectPeer: %v", err)
	}

	testutil.Eventually(t, converge, func() bool {
		return bob.FeedTips()[alice.Identity()] == 5 && alice.FeedTips()[bob.Identity()] == 2
	}, "feeds did not converge")

	status := bob.Status(ctx)
	if status.Connections != 1 || status.Tips[alice.Identity()] != 5 || !status.Running {
		t.Errorf("status = %+v", status)
	}
	if _, err := bob.StatusJSON(ctx); err != nil {
		t.Errorf("StatusJSON: %v", err)
	}

	entries, err := bob.Addresses(ctx)
	if err != nil || len(entries) != 1 || entries[0].Address != addressOf(t, alice) {
		t.Errorf("address book = %+v (%v), want alice", entries, err)
	}

	bob.DisconnectAll()
	testutil.Eventually(t, converge, func() bool {
		return bob.Status(ctx).Connections == 0
	}, "connections survived DisconnectAll")

	connected, err := bob.ConnectPeers(ctx, 3)
	if err != nil || connected != 1 {
		t.Errorf("ConnectPeers = %d, %v, want 1", connected, err)
	}
}

func TestBlobAddedOnOneNodeIsFetchedByAnother(t *testing.T) {
	ctx := context.Background()
	downloaded := make(chan ref.BlobRef, 1)

	alice := startNode(t, nodeOptions{listen: true, identity: testKey(t, 1)})
	cfg := config.Default()
	cfg.Repo.Path = t.TempDir()
	cfg.Network.ListenAddr = ""
	bob, err := Start(ctx, Options{
		Config:   cfg,
		Identity: testKey(t, 2),
		OnBlobDownloaded: func(blob ref.BlobRef, size int64) {
			downloaded <- blob
		},
		Logger: testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { bob.Close() })

	blob, err := alice.AddBlob(strings.NewReader("attachment bytes"))
	if err != nil {
		t.Fatalf("AddBlob: %v", err)
	}
	if stored := bob.WantBlob(blob); stored {
		t.Fatal("WantBlob reported a blob bob never had")
	}
	if err := bob.ConnectPeer(ctx, addressOf(t, alice)); err != nil {
		t.Fatalf("ConnectPeer: %v", err)
	}

	if got := testutil.RequireReceive(t, downloaded, converge, "blob never downloaded"); got != blob {
		t.Errorf("downloaded %s, want %s", got, blob)
	}
	data, err := bob.GetBlob(blob)
	if err != nil || string(data) != "attachment bytes" {
		t.Errorf("GetBlob = %q, %v", data, err)
	}
	if !bob.WantBlob(blob) {
		t.Error("WantBlob after download should report the blob stored")
	}
}

func TestHealChecksTheCurrentLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	identity := testKey(t, 1)

	n := startNode(t, nodeOptions{dir: dir, identity: identity})
	publishPosts(t, n, 2)
	if report, err := n.FSCK(ctx, offsetlog.ModeFull, nil); err != nil || !report.Healthy {
		t.Fatalf("FSCK of a fresh log = %+v, %v", report, err)
	}
	validEnd := n.offsets.Size()
	publishPosts(t, n, 1)
	end := n.offsets.Size()
	logPath := n.repo.LogPath()
	n.Close()

	logFile, err := os.OpenFile(logPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	if _, err := logFile.WriteAt([]byte{0xff}, validEnd+(end-validEnd)/2); err != nil {
		t.Fatalf("corrupting: %v", err)
	}
	logFile.Close()

	// No FSCK since the corruption: Heal must find it on its own.
	n = startNode(t, nodeOptions{dir: dir, identity: identity})
	healed, err := n.Heal(ctx)
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if healed.Messages != 1 {
		t.Errorf("HealReport = %+v, want one discarded message", healed)
	}
	if tip := n.FeedTips()[identity.Feed()]; tip != 2 {
		t.Errorf("tip after heal = %d, want 2", tip)
	}
}

func TestCorruptTrailingRecordCheckAndHeal(t *testing.T) {
	ctx := context.Background()
	read := pageReader(t)
	dir := t.TempDir()
	identity := testKey(t, 1)

	n := startNode(t, nodeOptions{dir: dir, identity: identity})
	publishPosts(t, n, 2)
	validEnd := n.offsets.Size()
	publishPosts(t, n, 1)
	end := n.offsets.Size()
	logPath := n.repo.LogPath()
	n.Close()

	// Flip a byte in the middle of the newest frame.
	logFile, err := os.OpenFile(logPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	if _, err := logFile.WriteAt([]byte{0xff}, validEnd+(end-validEnd)/2); err != nil {
		t.Fatalf("corrupting: %v", err)
	}
	logFile.Close()

	n = startNode(t, nodeOptions{dir: dir, identity: identity})
	var fractions []float64
	report, err := n.FSCK(ctx, offsetlog.ModeFull, func(fraction float64, status string) {
		fractions = append(fractions, fraction)
	})
	if err != nil {
		t.Fatalf("FSCK: %v", err)
	}
	if report.Healthy {
		t.Fatal("FSCK reported the corrupted log healthy")
	}
	if len(fractions) == 0 {
		t.Error("FSCK reported no progress")
	}
	if n.Status(ctx).LastReport != report {
		t.Error("status does not carry the last fsck report")
	}

	healed, err := n.Heal(ctx)
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if healed.Messages != 1 || len(healed.Authors) != 1 || healed.Authors[0] != identity.Feed() {
		t.Errorf("HealReport = %+v, want one message of the local feed", healed)
	}
	if tip := n.FeedTips()[identity.Feed()]; tip != 2 {
		t.Errorf("tip after heal = %d, want 2", tip)
	}
	if n.Status(ctx).LastReport != nil {
		t.Error("status still carries the pre-heal fsck report")
	}

	entries := read(n.StreamPublishedLog(ctx, 0, 10))
	if len(entries) != 2 {
		t.Fatalf("published log after heal has %d entries, want 2", len(entries))
	}
	var content struct{ Text string }
	if err := json.Unmarshal(entries[1].Value.Content, &content); err != nil || content.Text != "post 1" {
		t.Errorf("second message content = %s, want post 1 untouched", entries[1].Value.Content)
	}

	after, err := n.FSCK(ctx, offsetlog.ModeFull, nil)
	if err != nil || !after.Healthy {
		t.Errorf("FSCK after heal = %+v, %v", after, err)
	}
	publishPosts(t, n, 1)
	if tip := n.FeedTips()[identity.Feed()]; tip != 3 {
		t.Errorf("tip after publishing past the heal = %d, want 3", tip)
	}
}

func TestNullOperationsAndDropIndex(t *testing.T) {
	ctx := context.Background()
	read := pageReader(t)
	n := startNode(t, nodeOptions{identity: testKey(t, 1)})
	publishPosts(t, n, 3)

	if err := n.NullContent(ctx, n.Identity(), 2); err != nil {
		t.Fatalf("NullContent: %v", err)
	}
	entries := read(n.StreamPublishedLog(ctx, 0, 10))
	if len(entries) != 3 || string(entries[1].Value.Content) != "null" {
		t.Fatalf("entries after NullContent = %+v", entries)
	}

	if err := n.DropIndex(ctx); err != nil {
		t.Fatalf("DropIndex: %v", err)
	}
	if tip := n.FeedTips()[n.Identity()]; tip != 3 {
		t.Errorf("tip after DropIndex = %d, want 3", tip)
	}

	if err := n.NullFeed(ctx, n.Identity()); err != nil {
		t.Fatalf("NullFeed: %v", err)
	}
	if tip := n.FeedTips()[n.Identity()]; tip != 0 {
		t.Errorf("tip after NullFeed = %d, want 0", tip)
	}

	if err := n.SetBlocked(ctx, n.Identity(), true); err == nil {
		t.Error("blocking the local feed succeeded")
	}
}

func TestAliasRegistrationThroughRoom(t *testing.T) {
	ctx := context.Background()
	roomKey := testKey(t, 9)
	roomNode := startNode(t, nodeOptions{
		listen:   true,
		identity: roomKey,
		rooms:    room.NewServer(room.ServerConfig{Identity: roomKey.Feed(), Domain: "room.example"}),
	})
	roomAddress := addressOf(t, roomNode)

	alice := startNode(t, nodeOptions{identity: testKey(t, 1)})
	bob := startNode(t, nodeOptions{identity: testKey(t, 2)})
	alias := ref.MustParseAlias("alice")

	result, err := alice.RoomsRegisterAlias(ctx, roomAddress, alias)
	if err != nil || result.Err != room.ErrorNone || result.Alias != "https://alice.room.example" {
		t.Fatalf("alice register = %+v, %v", result, err)
	}
	taken, err := bob.RoomsRegisterAlias(ctx, roomAddress, alias)
	if err != nil || taken.Err != room.ErrorAliasTaken || taken.Alias != "" {
		t.Fatalf("bob register = %+v, %v, want alias taken", taken, err)
	}
	encoded, _ := json.Marshal(taken)
	if string(encoded) != `{"alias":"","err":2}` {
		t.Errorf("taken result JSON = %s", encoded)
	}

	aliases, err := alice.RoomsListAliases(ctx, roomAddress)
	if err != nil || len(aliases) != 1 || aliases[0] != alias {
		t.Errorf("ListAliases = %v, %v", aliases, err)
	}
	if err := alice.RoomsRevokeAlias(ctx, roomAddress, alias); err != nil {
		t.Fatalf("RevokeAlias: %v", err)
	}
	again, err := bob.RoomsRegisterAlias(ctx, roomAddress, alias)
	if err != nil || again.Err != room.ErrorNone {
		t.Errorf("bob register after revoke = %+v, %v", again, err)
	}
}

// pageReader returns a function decoding a stream call's result, for
// use as read(n.StreamRootLog(...)).
func pageReader(t *testing.T) func([]byte, error) []Entry {
	return func(data []byte, err error) []Entry {
		t.Helper()
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		return decodeEntries(t, data)
	}
}
