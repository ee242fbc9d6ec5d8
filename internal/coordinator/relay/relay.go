// Package relay is the in-process pub/sub channel used to push control
// commands to the host running a specific worker. Topics are keyed
// per-worker ("worker-{id}"); delivery is at-least-once and non-blocking,
// so subscribers must treat abort as idempotent and message as additive.
package relay

import (
	"strings"
	"sync"

	"github.com/agentgrid/agentgrid/internal/types"
)

const defaultBufferSize = 100

// WorkerTopic returns the relay topic for one worker.
func WorkerTopic(workerID string) string {
	return "worker-" + workerID
}

// Event is a message published on the relay.
type Event struct {
	Topic   string
	Command types.Command
}

// Observer topics, published alongside worker commands so dashboards can
// watch claim activity.
const (
	TopicTaskClaimed  = "task.claimed"
	TopicTaskReleased = "task.released"
)

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Relay is a simple in-process pub/sub bus with topic prefix matching
// plus a per-host mailbox for commands that had no live subscriber.
type Relay struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int

	// parked commands keyed by host URL, delivered on the next heartbeat
	mailbox map[string][]types.Command
}

// New creates a new Relay.
func New() *Relay {
	return &Relay{
		subs:    make(map[int]*Subscription),
		mailbox: make(map[string][]types.Command),
	}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics. The returned channel has a
// bounded buffer; slow consumers miss events rather than block publishers.
func (r *Relay) Subscribe(topicPrefix string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{
		id:     r.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	r.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (r *Relay) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[sub.id]; ok {
		delete(r.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers and reports how many
// received it. Delivery is non-blocking: a full buffer drops the event
// for that subscriber.
func (r *Relay) Publish(topic string, cmd types.Command) int {
	event := Event{Topic: topic, Command: cmd}

	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, sub := range r.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
				delivered++
			default:
			}
		}
	}
	return delivered
}

// PublishCommand publishes a control command on the worker's topic. When
// no subscriber is listening and a host URL is known, the command is
// parked in that host's mailbox and handed out on its next heartbeat.
func (r *Relay) PublishCommand(cmd types.Command, hostURL string) {
	delivered := r.Publish(WorkerTopic(cmd.WorkerID), cmd)
	if delivered > 0 || hostURL == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.mailbox[hostURL] = append(r.mailbox[hostURL], cmd)
}

// DrainMailbox returns and clears the parked commands for a host.
func (r *Relay) DrainMailbox(hostURL string) []types.Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmds := r.mailbox[hostURL]
	delete(r.mailbox, hostURL)
	return cmds
}

// SubscriberCount returns the number of active subscriptions.
func (r *Relay) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
