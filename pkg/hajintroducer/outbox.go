package hajintroducer

import (
	"context"
	"sync"
	"time"
)

// FIFO of deliveries to one subscriber. the hub enqueues without blocking, and a
// dedicated goroutine delivers one batch at a time so a slow subscriber only delays itself
type outbox struct {
	subscriber Subscriber
	timeout    time.Duration
	onFailure  func(error)

	mu     sync.Mutex
	queue  [][][]byte
	wakeup chan struct{}

	cancel context.CancelFunc
}

func startOutbox(
	ctx context.Context,
	subscriber Subscriber,
	timeout time.Duration,
	onFailure func(error),
) *outbox {
	ctx, cancel := context.WithCancel(ctx)

	o := &outbox{
		subscriber: subscriber,
		timeout:    timeout,
		onFailure:  onFailure,
		wakeup:     make(chan struct{}, 1),
		cancel:     cancel,
	}

	go o.run(ctx)

	return o
}

func (o *outbox) enqueue(batch [][]byte) {
	o.mu.Lock()
	o.queue = append(o.queue, batch)
	o.mu.Unlock()

	select {
	case o.wakeup <- struct{}{}:
	default: // already signalled
	}
}

// aborts in-flight delivery and drops pending ones
func (o *outbox) stop() {
	o.cancel()
}

func (o *outbox) run(ctx context.Context) {
	for {
		batch := o.dequeue()
		if batch == nil {
			select {
			case <-ctx.Done():
				return
			case <-o.wakeup:
				continue
			}
		}

		if err := o.deliverOne(ctx, batch); err != nil {
			if ctx.Err() != nil { // stopped, not a delivery failure
				return
			}

			// not retried: subscribers resync from scratch when they reconnect
			o.onFailure(err)
		}
	}
}

func (o *outbox) deliverOne(ctx context.Context, batch [][]byte) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	return o.subscriber.Deliver(ctx, batch)
}

func (o *outbox) dequeue() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.queue) == 0 {
		return nil
	}

	batch := o.queue[0]
	o.queue = o.queue[1:]

	return batch
}
