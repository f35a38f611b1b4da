package hajintroducer

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/function61/gokit/ezhttp"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/retry"
	"github.com/function61/hajautus/pkg/hajsign"
)

// Periodically publishes a node's announcement over HTTP. The hub drops exact
// duplicates, so re-publishing is cheap, and it repairs a restarted introducer.
type Publisher struct {
	introducerURL string
	interval      time.Duration
	announcement  func() (*hajsign.AnnouncementV2, error) // called for each publish, so content can change
	logl          *logex.Leveled
}

func NewPublisher(
	introducerURL string,
	interval time.Duration,
	announcement func() (*hajsign.AnnouncementV2, error),
	logger *log.Logger,
) *Publisher {
	return &Publisher{
		introducerURL: introducerURL,
		interval:      interval,
		announcement:  announcement,
		logl:          logex.Levels(logex.NonNil(logger)),
	}
}

func (p *Publisher) Task(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := retry.Retry(ctx, p.publishOnce, retry.DefaultBackoff(), func(err error) {
			p.logl.Error.Printf("publish: %v", err)
		}); err != nil && ctx.Err() == nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context) error {
	ann, err := p.announcement()
	if err != nil {
		return err
	}

	if err := Publish(ctx, p.introducerURL, ann.Raw()); err != nil {
		return err
	}

	p.logl.Debug.Println("announcement published")

	return nil
}

// one-shot HTTP publish
func Publish(ctx context.Context, introducerURL string, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, ezhttp.DefaultTimeout10s)
	defer cancel()

	_, err := ezhttp.Post(
		ctx,
		strings.TrimSuffix(introducerURL, "/")+"/api/publish",
		ezhttp.SendJson(json.RawMessage(raw)))
	return err
}

// fetches the hub's status over HTTP
func FetchStatus(ctx context.Context, introducerURL string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, ezhttp.DefaultTimeout10s)
	defer cancel()

	status := &Status{}
	if _, err := ezhttp.Get(
		ctx,
		strings.TrimSuffix(introducerURL, "/")+"/api/status",
		ezhttp.RespondsJson(status, false),
	); err != nil {
		return nil, err
	}

	return status, nil
}
