// Pub/sub hub that disseminates signed service announcements to subscribers
package hajintroducer

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/hajautus/pkg/hajsign"
	"github.com/function61/hajautus/pkg/hajtypes"
)

var ErrHubStopped = errors.New("introducer hub stopped")

// remote reference whose disconnection the hub can observe. fn may be called from any
// goroutine, and immediately if already disconnected
type Disconnectable interface {
	NotifyOnDisconnect(fn func())
}

type Subscriber interface {
	// stable for the lifetime of the remote reference
	ID() string
	// delivers a batch of raw announcements (wire form). must honor ctx cancellation
	Deliver(ctx context.Context, announcements [][]byte) error
	Disconnectable
}

type SubscriberInfo struct {
	Nickname   string `json:"nickname"`
	MyVersion  string `json:"my_version"`
	RemoteAddr string `json:"remote_addr"`
}

// debug counter names
const (
	CounterInboundMessage        = "inbound_message"
	CounterInboundDuplicate      = "inbound_duplicate"
	CounterInboundUpdate         = "inbound_update"
	CounterInboundRejected       = "inbound_rejected"
	CounterOutboundMessage       = "outbound_message"
	CounterOutboundAnnouncements = "outbound_announcements"
)

var allCounters = []string{
	CounterInboundMessage,
	CounterInboundDuplicate,
	CounterInboundUpdate,
	CounterInboundRejected,
	CounterOutboundMessage,
	CounterOutboundAnnouncements,
}

type announcementRecord struct {
	raw              []byte
	index            hajsign.Index
	message          *hajsign.Message
	serverID         hajtypes.ServerID
	received         time.Time
	canaryGeneration uint64 // 0 = published without canary
	canaryLost       bool
}

type subscription struct {
	subscriber  Subscriber
	serviceName string
	info        SubscriberInfo
	since       time.Time
	outbox      *outbox
}

type publishRequest struct {
	raw    []byte
	canary Disconnectable
	done   chan struct{}
}

type subscribeRequest struct {
	subscriber  Subscriber
	serviceName string
	info        SubscriberInfo
	done        chan struct{}
}

type canaryLoss struct {
	index      hajsign.Index
	generation uint64
}

// state owned by the hub's goroutine
type hubState struct {
	announcements    map[hajsign.Index]*announcementRecord
	subscribers      map[string]map[string]*subscription // service name => subscriber id => subscription
	counters         map[string]int64
	canaryGeneration uint64
}

// The hub runs single-threaded: announcement & subscriber tables are only touched from
// its goroutine, and the public API talks to it via channels
type Hub struct {
	publishRequest   chan *publishRequest
	subscribeRequest chan *subscribeRequest
	subscriptionLost chan *subscription
	canaryLost       chan canaryLoss
	statusRequest    chan chan *Status
	stopped          chan struct{}
	deliveryTimeout  time.Duration
	metrics          *Metrics
	logl             *logex.Leveled
	now              func() time.Time
}

func NewHub(
	deliveryTimeout time.Duration,
	metrics *Metrics,
	logger *log.Logger,
	start func(func(context.Context) error),
) *Hub {
	h := &Hub{
		publishRequest:   make(chan *publishRequest),
		subscribeRequest: make(chan *subscribeRequest),
		subscriptionLost: make(chan *subscription),
		canaryLost:       make(chan canaryLoss),
		statusRequest:    make(chan chan *Status),
		stopped:          make(chan struct{}),
		deliveryTimeout:  deliveryTimeout,
		metrics:          metrics,
		logl:             logex.Levels(logex.NonNil(logger)),
		now:              time.Now,
	}

	start(func(ctx context.Context) error {
		return h.run(ctx)
	})

	return h
}

// returns once the hub has processed the announcement. malformed or badly-signed
// announcements are dropped silently (only logged), so publishers can't probe our checks
func (h *Hub) Publish(ctx context.Context, raw []byte, canary Disconnectable) error {
	req := &publishRequest{
		raw:    raw,
		canary: canary,
		done:   make(chan struct{}),
	}

	select {
	case h.publishRequest <- req:
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	return h.wait(ctx, req.done)
}

// subscriber immediately gets all current announcements of serviceName, and then every
// new one. subscription ends when subscriber disconnects
func (h *Hub) Subscribe(ctx context.Context, subscriber Subscriber, serviceName string, info SubscriberInfo) error {
	req := &subscribeRequest{
		subscriber:  subscriber,
		serviceName: serviceName,
		info:        info,
		done:        make(chan struct{}),
	}

	select {
	case h.subscribeRequest <- req:
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	return h.wait(ctx, req.done)
}

// gets an atomic snapshot of hub's internal state
func (h *Hub) Status(ctx context.Context) (*Status, error) {
	result := make(chan *Status, 1)

	select {
	case h.statusRequest <- result:
	case <-h.stopped:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case status := <-result:
		return status, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run(ctx context.Context) error {
	defer close(h.stopped)

	state := &hubState{
		announcements: map[hajsign.Index]*announcementRecord{},
		subscribers:   map[string]map[string]*subscription{},
		counters:      map[string]int64{},
	}

	for _, counter := range allCounters {
		state.counters[counter] = 0
	}

	for {
		select {
		case <-ctx.Done():
			for _, subscriptions := range state.subscribers {
				for _, sub := range subscriptions {
					sub.outbox.stop()
				}
			}

			return nil
		case req := <-h.publishRequest:
			h.handlePublish(state, req)
			close(req.done)
		case req := <-h.subscribeRequest:
			h.handleSubscribe(ctx, state, req)
			close(req.done)
		case sub := <-h.subscriptionLost:
			h.handleSubscriptionLost(state, sub)
		case loss := <-h.canaryLost:
			if record, found := state.announcements[loss.index]; found && record.canaryGeneration == loss.generation {
				h.logl.Info.Printf("canary lost for %s", loss.index)
				record.canaryLost = true
			}
		case result := <-h.statusRequest:
			result <- makeStatus(state)
		}

		h.metrics.observeHub(len(state.announcements), countSubscriptions(state))
	}
}

func (h *Hub) handlePublish(state *hubState, req *publishRequest) {
	h.count(state, CounterInboundMessage, 1)

	ann, err := hajsign.ParseAnnouncement(req.raw)
	if err != nil {
		h.reject(state, err)
		return
	}

	message, key, err := ann.Unsign()
	if err != nil {
		h.reject(state, err)
		return
	}

	index, err := hajsign.MakeIndex(message, key)
	if err != nil {
		h.reject(state, err)
		return
	}

	serverID, err := hajsign.ServerIDFromAnnouncement(message, key)
	if err != nil {
		h.reject(state, err)
		return
	}

	// canonical re-encoding, so formatting differences of publishers don't defeat dedupe
	raw := ann.Raw()

	previous, isUpdate := state.announcements[index]
	if isUpdate && bytes.Equal(previous.raw, raw) {
		h.logl.Debug.Printf("duplicate announcement for %s", index)
		h.count(state, CounterInboundDuplicate, 1)
		return
	}

	record := &announcementRecord{
		raw:      raw,
		index:    index,
		message:  message,
		serverID: serverID,
		received: h.now(),
	}

	if isUpdate {
		h.count(state, CounterInboundUpdate, 1)
	}

	if req.canary != nil {
		state.canaryGeneration++
		record.canaryGeneration = state.canaryGeneration

		loss := canaryLoss{index: index, generation: record.canaryGeneration}

		// hook may be called synchronously, so it must not block our goroutine
		req.canary.NotifyOnDisconnect(func() {
			go func() {
				select {
				case h.canaryLost <- loss:
				case <-h.stopped:
				}
			}()
		})
	}

	state.announcements[index] = record

	h.logl.Info.Printf("announcement from %s (%s) for %s", message.Nickname, serverID, index)

	for _, sub := range sortedSubscriptions(state.subscribers[index.ServiceName]) {
		h.deliver(state, sub, [][]byte{raw})
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, state *hubState, req *subscribeRequest) {
	subscriberID := req.subscriber.ID()

	if _, already := state.subscribers[req.serviceName][subscriberID]; already {
		h.logl.Info.Printf("%s already subscribed to %s", subscriberID, req.serviceName)
		return
	}

	sub := &subscription{
		subscriber:  req.subscriber,
		serviceName: req.serviceName,
		info:        req.info,
		since:       h.now(),
	}

	sub.outbox = startOutbox(ctx, req.subscriber, h.deliveryTimeout, func(err error) {
		h.logl.Error.Printf("delivery to %s: %v", subscriberID, err)
		h.metrics.deliveryFailed()
	})

	if state.subscribers[req.serviceName] == nil {
		state.subscribers[req.serviceName] = map[string]*subscription{}
	}
	state.subscribers[req.serviceName][subscriberID] = sub

	req.subscriber.NotifyOnDisconnect(func() {
		go func() {
			select {
			case h.subscriptionLost <- sub:
			case <-h.stopped:
			}
		}()
	})

	h.logl.Info.Printf("%s (%s) subscribed to %s", subscriberID, req.info.Nickname, req.serviceName)

	// catch up with everything we currently know
	current := []*announcementRecord{}
	for index, record := range state.announcements {
		if index.ServiceName == req.serviceName {
			current = append(current, record)
		}
	}

	if len(current) == 0 {
		return
	}

	sort.Slice(current, func(i, j int) bool {
		return current[i].index.String() < current[j].index.String()
	})

	batch := [][]byte{}
	for _, record := range current {
		batch = append(batch, record.raw)
	}

	h.deliver(state, sub, batch)
}

func (h *Hub) handleSubscriptionLost(state *hubState, sub *subscription) {
	subscriptions := state.subscribers[sub.serviceName]

	// might have re-subscribed in the meantime with a new subscription
	if current, found := subscriptions[sub.subscriber.ID()]; !found || current != sub {
		return
	}

	sub.outbox.stop()

	delete(subscriptions, sub.subscriber.ID())
	if len(subscriptions) == 0 {
		delete(state.subscribers, sub.serviceName)
	}

	h.logl.Info.Printf("%s unsubscribed from %s (disconnected)", sub.subscriber.ID(), sub.serviceName)
}

// fire-and-forget: outbox serializes deliveries per subscriber
func (h *Hub) deliver(state *hubState, sub *subscription, batch [][]byte) {
	h.count(state, CounterOutboundMessage, 1)
	h.count(state, CounterOutboundAnnouncements, int64(len(batch)))

	sub.outbox.enqueue(batch)
}

func (h *Hub) reject(state *hubState, err error) {
	h.logl.Error.Printf("dropping announcement: %v", err)
	h.count(state, CounterInboundRejected, 1)
}

func (h *Hub) count(state *hubState, counter string, delta int64) {
	state.counters[counter] += delta
	h.metrics.countHubEvent(counter, delta)
}

func sortedSubscriptions(subscriptions map[string]*subscription) []*subscription {
	sorted := []*subscription{}
	for _, sub := range subscriptions {
		sorted = append(sorted, sub)
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].subscriber.ID() < sorted[j].subscriber.ID()
	})

	return sorted
}

func countSubscriptions(state *hubState) int {
	count := 0
	for _, subscriptions := range state.subscribers {
		count += len(subscriptions)
	}
	return count
}
