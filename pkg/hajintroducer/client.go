package hajintroducer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/retry"
	"github.com/function61/hajautus/pkg/hajplacement"
	"github.com/function61/hajautus/pkg/hajsign"
	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/function61/hajautus/pkg/hajutils"
	"github.com/golang/groupcache/lru"
	"github.com/gorilla/websocket"
)

// service-specific keys of storage announcements
const (
	ExtraPermutationSeed = "permutation-seed-base32"
	ExtraReadonly        = "readonly"
	ExtraClaimedUsage    = "claimed-usage"
)

const seenAnnouncementsMax = 1024

// storage server, as learned from its announcement
type GridServer struct {
	ID              hajtypes.ServerID `json:"id"`
	Nickname        string            `json:"nickname"`
	FURL            string            `json:"furl"`
	MyVersion       string            `json:"my_version"`
	PermutationSeed []byte            `json:"permutation_seed"`
	Readonly        bool              `json:"readonly"`
	ClaimedUsage    int64             `json:"claimed_usage"`
	Announced       time.Time         `json:"announced"`
}

// Subscribes to a service at the introducer, keeps a view of the announced servers and
// re-publishes our own announcements every time the connection is re-established.
// Deliveries are verified here again: the introducer is not trusted.
type Client struct {
	subscribeURL string
	serviceName  string
	info         SubscriberInfo
	dialer       *websocket.Dialer
	logl         *logex.Leveled

	mu            sync.Mutex
	seen          *lru.Cache // idempotent deliveries
	grid          map[hajsign.Index]GridServer
	announcements [][]byte // ours, published over the connection (= connection is their canary)
	connected     chan struct{}
}

func NewClient(introducerURL string, serviceName string, info SubscriberInfo, logger *log.Logger) (*Client, error) {
	subscribeURL, err := hajutils.WebSocketURL(introducerURL, "/api/subscribe")
	if err != nil {
		return nil, err
	}

	return &Client{
		subscribeURL: subscribeURL,
		serviceName:  serviceName,
		info:         info,
		dialer:       websocket.DefaultDialer,
		logl:         logex.Levels(logex.NonNil(logger)),
		seen:         lru.New(seenAnnouncementsMax),
		grid:         map[hajsign.Index]GridServer{},
		connected:    make(chan struct{}, 1),
	}, nil
}

// announcement will be published on each (re)connect
func (c *Client) Announce(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.announcements = append(c.announcements, raw)
}

// runs until ctx is cancelled, reconnecting with backoff
func (c *Client) Task(ctx context.Context) error {
	for {
		if err := retry.Retry(ctx, c.session, retry.DefaultBackoff(), func(err error) {
			c.logl.Error.Printf("introducer: %v", err)
		}); err != nil && ctx.Err() == nil {
			return err
		}

		if ctx.Err() != nil {
			return nil
		}

		c.logl.Info.Println("disconnected from introducer; reconnecting")
	}
}

// signalled after each successful subscribe
func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

// sorted by ServerID
func (c *Client) Servers() []GridServer {
	c.mu.Lock()
	defer c.mu.Unlock()

	servers := []GridServer{}
	for _, server := range c.grid {
		servers = append(servers, server)
	}

	sort.Slice(servers, func(i, j int) bool {
		return servers[i].ID < servers[j].ID
	})

	return servers
}

func (c *Client) SeededServers() []hajplacement.SeededServer {
	seeded := []hajplacement.SeededServer{}
	for _, server := range c.Servers() {
		seeded = append(seeded, hajplacement.SeededServer{
			ID:              server.ID,
			PermutationSeed: server.PermutationSeed,
		})
	}

	return seeded
}

// planner input for placing shares of si over the currently known grid
func (c *Client) PlacementInput(
	si hajtypes.StorageIndex,
	shares []hajtypes.ShareNumber,
	serverMap map[hajtypes.ServerID][]hajtypes.ShareNumber,
) hajplacement.Input {
	readonly := map[hajtypes.ServerID]bool{}
	for _, server := range c.Servers() {
		readonly[server.ID] = server.Readonly
	}

	input := hajplacement.Input{
		Servers:         []hajtypes.ServerID{},
		ReadonlyServers: []hajtypes.ServerID{},
		Shares:          shares,
		ServerMap:       map[hajtypes.ServerID][]hajtypes.ShareNumber{},
	}

	for _, server := range hajplacement.PermuteServers(si, c.SeededServers()) {
		input.Servers = append(input.Servers, server.ID)

		if readonly[server.ID] {
			input.ReadonlyServers = append(input.ReadonlyServers, server.ID)
		}
	}

	for serverID, serverShares := range serverMap {
		if _, known := readonly[serverID]; known {
			input.ServerMap[serverID] = serverShares
		}
	}

	return input
}

// one connection's lifetime. returns nil if we got connected (even if later disconnected)
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.subscribeURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { // unblocks ReadJSON()
		<-sessionCtx.Done()
		conn.Close()
	}()

	info := c.info
	if err := conn.WriteJSON(frame{
		Type:        frameSubscribe,
		ServiceName: c.serviceName,
		Info:        &info,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	ours := make([]json.RawMessage, len(c.announcements))
	for i, raw := range c.announcements {
		ours[i] = raw
	}
	c.mu.Unlock()

	if len(ours) > 0 {
		if err := conn.WriteJSON(frame{Type: framePublish, Announcements: ours}); err != nil {
			return err
		}
	}

	c.logl.Info.Printf("subscribed to %s at %s", c.serviceName, c.subscribeURL)

	select {
	case c.connected <- struct{}{}:
	default:
	}

	for {
		var msg frame
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logl.Error.Printf("read: %v", err)
			}
			return nil
		}

		switch msg.Type {
		case frameAnnounce:
			for _, raw := range msg.Announcements {
				if err := c.receive(raw); err != nil {
					c.logl.Error.Printf("ignoring announcement: %v", err)
				}
			}
		case frameError:
			c.logl.Error.Printf("introducer: %s", msg.Error)
		default:
			c.logl.Error.Printf("unknown frame type: %s", msg.Type)
		}
	}
}

func (c *Client) receive(raw []byte) error {
	ann, err := hajsign.ParseAnnouncement(raw)
	if err != nil {
		return err
	}

	message, key, err := ann.Unsign()
	if err != nil {
		return err
	}

	if message.ServiceName != c.serviceName {
		return fmt.Errorf("got %s announcement on %s subscription", message.ServiceName, c.serviceName)
	}

	index, err := hajsign.MakeIndex(message, key)
	if err != nil {
		return err
	}

	serverID, err := hajsign.ServerIDFromAnnouncement(message, key)
	if err != nil {
		return err
	}

	seed, err := permutationSeed(message, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seenKey := index.String() + "\x00" + string(ann.Raw())
	if _, seen := c.seen.Get(seenKey); seen {
		c.logl.Debug.Printf("already have announcement %s", index)
		return nil
	}
	c.seen.Add(seenKey, true)

	c.grid[index] = GridServer{
		ID:              serverID,
		Nickname:        message.Nickname,
		FURL:            message.FURL,
		MyVersion:       message.MyVersion,
		PermutationSeed: seed,
		Readonly:        message.ExtraBool(ExtraReadonly),
		ClaimedUsage:    message.ExtraInt64(ExtraClaimedUsage),
		Announced:       time.Now(),
	}

	c.logl.Info.Printf("learned of %s (%s)", message.Nickname, serverID)

	return nil
}

// announced seed, or the public key (tub ID for legacy servers) if not announced
func permutationSeed(message *hajsign.Message, key []byte) ([]byte, error) {
	if announced := message.ExtraString(ExtraPermutationSeed); announced != "" {
		seed, err := hajtypes.Base32.DecodeString(announced)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ExtraPermutationSeed, err)
		}
		return seed, nil
	}

	if key != nil {
		return key, nil
	}

	tubID, err := hajsign.TubIDFromFURL(message.FURL)
	if err != nil {
		return nil, err
	}

	return []byte(tubID), nil
}
