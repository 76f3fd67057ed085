package realtime

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nightdesk/syncd/internal/conn"
	"github.com/nightdesk/syncd/internal/protocol"
)

// TopicKind distinguishes the room types multiplexed over the connection.
type TopicKind string

const (
	TopicConversation TopicKind = "conversation"
	TopicProject      TopicKind = "project"
)

// Topic names a channel the client can join for scoped push events.
type Topic struct {
	Kind TopicKind
	ID   string
}

// ConversationTopic returns the topic for a conversation room.
func ConversationTopic(id string) Topic {
	return Topic{Kind: TopicConversation, ID: id}
}

// ProjectTopic returns the topic for a project room.
func ProjectTopic(id string) Topic {
	return Topic{Kind: TopicProject, ID: id}
}

func (t Topic) String() string {
	return string(t.Kind) + ":" + t.ID
}

// joinFrame returns the command that subscribes to the topic.
func (t Topic) joinFrame() (string, any) {
	if t.Kind == TopicProject {
		return protocol.CommandJoinProject, protocol.ProjectCommandPayload{ProjectID: t.ID}
	}
	return protocol.CommandJoinConversation, protocol.JoinConversationPayload{ConversationID: t.ID}
}

// leaveFrame returns the command that unsubscribes from the topic.
func (t Topic) leaveFrame() (string, any) {
	if t.Kind == TopicProject {
		return protocol.CommandLeaveProject, protocol.ProjectCommandPayload{ProjectID: t.ID}
	}
	return protocol.CommandLeaveConversation, protocol.LeaveConversationPayload{ConversationID: t.ID}
}

// Handle identifies one consumer's membership in a topic.
type Handle struct {
	id    string
	topic Topic
}

// Topic returns the topic the handle belongs to.
func (h Handle) Topic() Topic { return h.topic }

// Sender is the outbound half of the connection the registry drives.
type Sender interface {
	Send(msgType string, payload any) error
	State() conn.State
}

// Registry tracks which topics the client should be joined to, ref-counted
// across consumers, and replays joins after reconnect.
type Registry struct {
	log    zerolog.Logger
	sender Sender

	mu   sync.Mutex
	subs map[Topic]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(sender Sender, log zerolog.Logger) *Registry {
	return &Registry{
		log:    log.With().Str("component", "registry").Logger(),
		sender: sender,
		subs:   make(map[Topic]map[string]struct{}),
	}
}

// Join subscribes a consumer to a topic and returns its handle. The join
// frame is sent only for the first consumer; while disconnected the join
// is deferred to the replay that follows the next connect.
func (r *Registry) Join(topic Topic) Handle {
	h := Handle{id: uuid.NewString(), topic: topic}

	r.mu.Lock()
	holders := r.subs[topic]
	first := len(holders) == 0
	if holders == nil {
		holders = make(map[string]struct{})
		r.subs[topic] = holders
	}
	holders[h.id] = struct{}{}
	r.mu.Unlock()

	if first {
		r.sendJoin(topic)
	}
	return h
}

// Leave drops a consumer's membership. Leaving a handle not currently held
// is a no-op: UI consumers unmount and remount faster than round-trips.
// The leave frame for the last consumer is best-effort; the server prunes
// idle memberships on its own.
func (r *Registry) Leave(h Handle) {
	r.mu.Lock()
	holders, ok := r.subs[h.topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, held := holders[h.id]; !held {
		r.mu.Unlock()
		return
	}
	delete(holders, h.id)
	last := len(holders) == 0
	if last {
		delete(r.subs, h.topic)
	}
	r.mu.Unlock()

	if !last {
		return
	}
	msgType, payload := h.topic.leaveFrame()
	if err := r.sender.Send(msgType, payload); err != nil {
		r.log.Debug().Err(err).Str("topic", h.topic.String()).Msg("leave frame not delivered")
	}
}

// Replay re-sends join frames for every held topic. Wired to the
// connection manager's connected event.
func (r *Registry) Replay() {
	r.mu.Lock()
	topics := make([]Topic, 0, len(r.subs))
	for topic := range r.subs {
		topics = append(topics, topic)
	}
	r.mu.Unlock()

	for _, topic := range topics {
		r.sendJoin(topic)
	}
	if len(topics) > 0 {
		r.log.Info().Int("topics", len(topics)).Msg("replayed joins")
	}
}

// RefCount returns the number of consumers holding a topic.
func (r *Registry) RefCount(topic Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[topic])
}

// Topics returns all topics with at least one consumer.
func (r *Registry) Topics() []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Topic, 0, len(r.subs))
	for topic := range r.subs {
		out = append(out, topic)
	}
	return out
}

// sendJoin delivers a join frame. Anything short of a live connection
// defers to the next Replay; sending mid-handshake would land the frame
// in the outbound buffer and the topic would be joined twice on recovery.
func (r *Registry) sendJoin(topic Topic) {
	if r.sender.State() != conn.StateConnected {
		r.log.Debug().Str("topic", topic.String()).Msg("join deferred until reconnect")
		return
	}
	msgType, payload := topic.joinFrame()
	err := r.sender.Send(msgType, payload)
	switch {
	case err == nil:
	case errors.Is(err, conn.ErrNotConnected):
		r.log.Debug().Str("topic", topic.String()).Msg("join deferred until reconnect")
	default:
		r.log.Warn().Err(err).Str("topic", topic.String()).Msg("join frame failed")
	}
}
