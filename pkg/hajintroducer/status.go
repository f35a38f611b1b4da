package hajintroducer

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/function61/hajautus/pkg/hajtypes"
)

type Status struct {
	Announcements []AnnouncementStatus `json:"announcements"`
	Subscribers   []SubscriberStatus   `json:"subscribers"`
	Counters      map[string]int64     `json:"counters"`
}

type AnnouncementStatus struct {
	Index        string            `json:"index"`
	ServiceName  string            `json:"service_name"`
	ServerID     hajtypes.ServerID `json:"server_id"`
	Nickname     string            `json:"nickname"`
	MyVersion    string            `json:"my_version"`
	Received     time.Time         `json:"received"`
	HasCanary    bool              `json:"has_canary"`
	CanaryLost   bool              `json:"canary_lost"`
	Announcement json.RawMessage   `json:"announcement"` // wire form, for clients to verify themselves
}

type SubscriberStatus struct {
	ID          string         `json:"id"`
	ServiceName string         `json:"service_name"`
	Info        SubscriberInfo `json:"info"`
	Since       time.Time      `json:"since"`
}

func makeStatus(state *hubState) *Status {
	status := &Status{
		Announcements: []AnnouncementStatus{},
		Subscribers:   []SubscriberStatus{},
		Counters:      map[string]int64{},
	}

	for index, record := range state.announcements {
		status.Announcements = append(status.Announcements, AnnouncementStatus{
			Index:        index.String(),
			ServiceName:  index.ServiceName,
			ServerID:     record.serverID,
			Nickname:     record.message.Nickname,
			MyVersion:    record.message.MyVersion,
			Received:     record.received,
			HasCanary:    record.canaryGeneration != 0,
			CanaryLost:   record.canaryLost,
			Announcement: append(json.RawMessage{}, record.raw...),
		})
	}

	sort.Slice(status.Announcements, func(i, j int) bool {
		return status.Announcements[i].Index < status.Announcements[j].Index
	})

	for serviceName, subscriptions := range state.subscribers {
		for _, sub := range subscriptions {
			status.Subscribers = append(status.Subscribers, SubscriberStatus{
				ID:          sub.subscriber.ID(),
				ServiceName: serviceName,
				Info:        sub.info,
				Since:       sub.since,
			})
		}
	}

	sort.Slice(status.Subscribers, func(i, j int) bool {
		a, b := status.Subscribers[i], status.Subscribers[j]
		if a.ServiceName != b.ServiceName {
			return a.ServiceName < b.ServiceName
		}
		return a.ID < b.ID
	})

	for counter, value := range state.counters {
		status.Counters[counter] = value
	}

	return status
}
