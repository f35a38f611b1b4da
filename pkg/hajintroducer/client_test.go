package hajintroducer

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/hajautus/pkg/hajsign"
	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/gorilla/mux"
)

func TestClientGridView(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", "storage", SubscriberInfo{}, nil)
	assert.Assert(t, err == nil)

	server := newTestServer(t)

	msg := testMessage("storage", "kellari", "1.0")
	assert.Assert(t, msg.SetExtra(ExtraPermutationSeed, hajtypes.Base32.EncodeToString([]byte("seed"))) == nil)
	assert.Assert(t, msg.SetExtra(ExtraReadonly, true) == nil)
	assert.Assert(t, msg.SetExtra(ExtraClaimedUsage, 12345) == nil)

	ann, err := hajsign.SignAnnouncement(server.signer, msg)
	assert.Assert(t, err == nil)

	assert.Assert(t, client.receive(ann.Raw()) == nil)
	assert.Assert(t, client.receive(ann.Raw()) == nil) // idempotent

	servers := client.Servers()
	assert.Assert(t, len(servers) == 1)
	assert.Assert(t, servers[0].ID == hajsign.ServerIDFromPublicKey(server.signer.PublicKey()))
	assert.EqualString(t, servers[0].Nickname, "kellari")
	assert.EqualString(t, string(servers[0].PermutationSeed), "seed")
	assert.Assert(t, servers[0].Readonly)
	assert.Assert(t, servers[0].ClaimedUsage == 12345)

	// without announced seed, the public key is the seed
	assert.Assert(t, client.receive(newTestServer(t).announce(t, "vintti", "1.0")) == nil)
	assert.Assert(t, len(client.Servers()) == 2)
}

func TestClientRejects(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", "storage", SubscriberInfo{}, nil)
	assert.Assert(t, err == nil)

	assert.Assert(t, client.receive([]byte("garbage")) != nil)
	assert.EqualString(t, client.receive(newTestServer(t).announceService(t, "helper", "helpy", "1.0")).Error(), "got helper announcement on storage subscription")

	assert.Assert(t, len(client.Servers()) == 0)
}

func TestClientPlacementInput(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", "storage", SubscriberInfo{}, nil)
	assert.Assert(t, err == nil)

	writable := newTestServer(t)
	readonly := newTestServer(t)

	readonlyMsg := testMessage("storage", "readonly", "1.0")
	assert.Assert(t, readonlyMsg.SetExtra(ExtraReadonly, true) == nil)
	readonlyAnn, err := hajsign.SignAnnouncement(readonly.signer, readonlyMsg)
	assert.Assert(t, err == nil)

	assert.Assert(t, client.receive(writable.announce(t, "writable", "1.0")) == nil)
	assert.Assert(t, client.receive(readonlyAnn.Raw()) == nil)

	readonlyID := hajsign.ServerIDFromPublicKey(readonly.signer.PublicKey())

	input := client.PlacementInput(
		hajtypes.RandomStorageIndex(),
		[]hajtypes.ShareNumber{0, 1, 2},
		map[hajtypes.ServerID][]hajtypes.ShareNumber{
			readonlyID: {0},
			"v0-gone":  {1}, // not in grid anymore
		})

	assert.Assert(t, len(input.Servers) == 2)
	assert.Assert(t, len(input.ReadonlyServers) == 1 && input.ReadonlyServers[0] == readonlyID)
	assert.Assert(t, len(input.ServerMap) == 1)
	assert.Assert(t, len(input.ServerMap[readonlyID]) == 1)
}

func TestTransportEndToEnd(t *testing.T) {
	hub, metrics := startTestHub(t)

	router := mux.NewRouter()
	defineRestApi(router, hub, metrics, nil)

	srv := httptest.NewServer(metrics.WrapHTTPServer(router))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := NewClient(srv.URL, "storage", SubscriberInfo{Nickname: "laptop"}, nil)
	assert.Assert(t, err == nil)

	// published over the websocket, which becomes its canary
	client.Announce(newTestServer(t).announce(t, "own", "1.0"))

	clientStopped := make(chan error, 1)
	go func() {
		clientStopped <- client.Task(ctx)
	}()

	select {
	case <-client.Connected():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not connect")
	}

	assert.Assert(t, Publish(ctx, srv.URL, newTestServer(t).announce(t, "kellari", "1.0")) == nil)

	waitFor(t, func() bool {
		return len(client.Servers()) == 2
	})

	st, err := FetchStatus(ctx, srv.URL)
	assert.Assert(t, err == nil)
	assert.Assert(t, len(st.Subscribers) == 1)
	assert.EqualString(t, st.Subscribers[0].Info.Nickname, "laptop")
	assert.Assert(t, len(st.Announcements) == 2)

	canaryOf := func(st *Status, nickname string) AnnouncementStatus {
		for _, ann := range st.Announcements {
			if ann.Nickname == nickname {
				return ann
			}
		}
		t.Fatalf("no announcement from %s", nickname)
		return AnnouncementStatus{}
	}

	assert.Assert(t, canaryOf(st, "own").HasCanary)
	assert.Assert(t, !canaryOf(st, "kellari").HasCanary)

	cancel()
	assert.Assert(t, <-clientStopped == nil)

	waitFor(t, func() bool {
		st := status(t, hub)
		return len(st.Subscribers) == 0 && canaryOf(st, "own").CanaryLost
	})
}
