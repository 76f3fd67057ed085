// Package engine wires the sync core together: connection, subscription
// registry, event dispatch, cache, mutation coordinator, and queries. An
// Engine is an explicitly constructed instance with a Run/Shutdown
// lifecycle; tests create isolated instances instead of sharing globals.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nightdesk/syncd/internal/cache"
	"github.com/nightdesk/syncd/internal/config"
	"github.com/nightdesk/syncd/internal/conn"
	"github.com/nightdesk/syncd/internal/domain"
	"github.com/nightdesk/syncd/internal/mutate"
	"github.com/nightdesk/syncd/internal/persist"
	"github.com/nightdesk/syncd/internal/protocol"
	"github.com/nightdesk/syncd/internal/realtime"
	"github.com/nightdesk/syncd/internal/rest"
)

// Transport is the slice of the connection manager the engine drives.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Close()
	Send(msgType string, payload any) error
	State() conn.State
	Reconnecting() bool
	UserID() string
	Frames() <-chan *protocol.Message
}

// Status is the connection status surfaced to the UI: a passive
// reconnecting indicator while backoff runs, a persistent offline state
// once the retry ceiling is exceeded.
type Status struct {
	State        conn.State
	Reconnecting bool
	Offline      bool
}

// StatusListener receives connection status changes.
type StatusListener func(Status)

// staticCredential satisfies conn.CredentialProvider with a fixed token.
type staticCredential string

func (c staticCredential) Credential(context.Context) (string, error) {
	return string(c), nil
}

// Engine is the client-side reconciliation core.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	conn       Transport
	store      *cache.Store
	queries    *cache.Queries
	registry   *realtime.Registry
	dispatcher *realtime.Dispatcher
	mutations  *mutate.Coordinator
	api        rest.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	offline    bool
	presence   map[string]bool
	typing     map[string]map[string]bool
	statusSubs []StatusListener
}

// newLocalID generates a placeholder id for optimistic entities.
func newLocalID() string {
	return uuid.NewString()
}

// New creates an engine with the real connection manager and REST client.
func New(cfg *config.Config, log zerolog.Logger) *Engine {
	e := newEngine(cfg, log)
	e.conn = conn.NewManager(conn.Options{
		URL:               cfg.GatewayURL,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PongTimeout:       cfg.PongTimeout,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectMax:      cfg.ReconnectMax,
		ReconnectAttempts: cfg.ReconnectAttempts,
	}, staticCredential(cfg.Token), e, log)
	e.api = rest.NewClient(rest.ClientConfig{
		Token:   cfg.Token,
		BaseURL: cfg.APIURL,
		Timeout: cfg.RequestTimeout,
	})
	e.registry = realtime.NewRegistry(e.conn, log)
	return e
}

// NewWithDeps creates an engine over an injected transport and API client.
// Used by tests.
func NewWithDeps(cfg *config.Config, transport Transport, api rest.Client, log zerolog.Logger) *Engine {
	e := newEngine(cfg, log)
	e.conn = transport
	e.api = api
	e.registry = realtime.NewRegistry(transport, log)
	return e
}

func newEngine(cfg *config.Config, log zerolog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		log:      log.With().Str("component", "engine").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		presence: make(map[string]bool),
		typing:   make(map[string]map[string]bool),
	}
	e.store = cache.NewStore(log)
	e.queries = cache.NewQueries(e.store, log)
	e.mutations = mutate.NewCoordinator(e.store, log)
	e.dispatcher = realtime.NewDispatcher(log)
	e.registerPushHandlers()
	return e
}

// Run connects and pumps frames until Shutdown. The initial connect error
// is returned to the caller; drops after that are healed by the manager's
// reconnection.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.SnapshotPath != "" {
		snapshot, err := persist.Open(e.cfg.SnapshotPath, e.log)
		if err != nil {
			return err
		}
		defer func() { _ = snapshot.Close() }()
		detach, err := snapshot.Attach(e.store)
		if err != nil {
			return err
		}
		defer detach()
	}

	if err := e.conn.Connect(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.ctx.Done():
			return nil
		case msg := <-e.conn.Frames():
			if msg != nil {
				e.dispatcher.Dispatch(msg)
			}
		}
	}
}

// Shutdown stops the engine and closes the connection.
func (e *Engine) Shutdown() {
	e.log.Info().Msg("shutting down")
	e.cancel()
	e.conn.Close()
}

// OnConnected implements conn.Handler: replay joins, clear offline.
func (e *Engine) OnConnected() {
	e.mu.Lock()
	e.offline = false
	e.mu.Unlock()
	e.registry.Replay()
	e.notifyStatus()
}

// OnDisconnected implements conn.Handler.
func (e *Engine) OnDisconnected() {
	e.notifyStatus()
}

// OnConnectionLost implements conn.Handler: the retry ceiling is
// exhausted; surface a persistent offline state until a manual Retry.
func (e *Engine) OnConnectionLost(err error) {
	e.mu.Lock()
	e.offline = true
	e.mu.Unlock()
	e.log.Warn().Err(err).Msg("connection lost")
	e.notifyStatus()
}

// Retry manually reconnects after the offline state.
func (e *Engine) Retry(ctx context.Context) error {
	return e.conn.Connect(ctx)
}

// Status returns the current connection status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	offline := e.offline
	e.mu.Unlock()
	return Status{
		State:        e.conn.State(),
		Reconnecting: e.conn.Reconnecting(),
		Offline:      offline,
	}
}

// OnStatusChange registers a listener for connection status changes.
func (e *Engine) OnStatusChange(fn StatusListener) {
	e.mu.Lock()
	e.statusSubs = append(e.statusSubs, fn)
	e.mu.Unlock()
}

func (e *Engine) notifyStatus() {
	status := e.Status()
	e.mu.Lock()
	subs := make([]StatusListener, len(e.statusSubs))
	copy(subs, e.statusSubs)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}

// Store exposes the entity cache for readers.
func (e *Engine) Store() *cache.Store { return e.store }

// Dispatcher exposes event registration for additional consumers.
// Handlers must be registered before Run.
func (e *Engine) Dispatcher() *realtime.Dispatcher { return e.dispatcher }

// PendingMutations returns the number of unresolved optimistic mutations.
func (e *Engine) PendingMutations() int { return e.mutations.PendingCount() }

// JoinConversation subscribes to a conversation's push events.
func (e *Engine) JoinConversation(id string) realtime.Handle {
	return e.registry.Join(realtime.ConversationTopic(id))
}

// JoinProject subscribes to a project's push events.
func (e *Engine) JoinProject(id string) realtime.Handle {
	return e.registry.Join(realtime.ProjectTopic(id))
}

// Leave drops a topic membership.
func (e *Engine) Leave(h realtime.Handle) {
	e.registry.Leave(h)
}

// Conversations lists the user's conversations with staleness handling.
func (e *Engine) Conversations(ctx context.Context) ([]cache.Entry, error) {
	return e.queries.Get(ctx, cache.Query{
		Key:       "conversations",
		StaleTime: e.cfg.StaleTime,
		Fetch: func(ctx context.Context) ([]domain.Entity, error) {
			conversations, err := e.api.ListConversations(ctx)
			if err != nil {
				return nil, err
			}
			return toEntities(conversations), nil
		},
	})
}

// Tasks lists a project's tasks with staleness handling.
func (e *Engine) Tasks(ctx context.Context, projectID string) ([]cache.Entry, error) {
	return e.queries.Get(ctx, cache.Query{
		Key:       "project:" + projectID + ":tasks",
		StaleTime: e.cfg.StaleTime,
		Fetch: func(ctx context.Context) ([]domain.Entity, error) {
			tasks, err := e.api.ListTasks(ctx, projectID)
			if err != nil {
				return nil, err
			}
			return toEntities(tasks), nil
		},
	})
}

// Messages lists a conversation's recent messages with staleness handling.
func (e *Engine) Messages(ctx context.Context, conversationID string) ([]cache.Entry, error) {
	return e.queries.Get(ctx, cache.Query{
		Key:       "conversation:" + conversationID + ":messages",
		StaleTime: e.cfg.StaleTime,
		Fetch: func(ctx context.Context) ([]domain.Entity, error) {
			messages, err := e.api.ListMessages(ctx, conversationID, 50)
			if err != nil {
				return nil, err
			}
			return toEntities(messages), nil
		},
	})
}

// SendMessage applies an optimistic "sending" message and settles it
// against the REST response. The placeholder id is swapped for the server
// id on confirmation; on rejection the placeholder is removed and one
// error returned.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content, messageType, replyToID string) (domain.Message, error) {
	if messageType == "" {
		messageType = domain.MessageTypeText
	}
	now := time.Now()
	draft := domain.Message{
		ID:             "local-" + newLocalID(),
		ConversationID: conversationID,
		SenderID:       e.conn.UserID(),
		Content:        content,
		Type:           messageType,
		ReplyToID:      replyToID,
		Status:         domain.MessageStatusSending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	result, err := e.mutations.Mutate(ctx, draft.ID,
		func(domain.Entity) domain.Entity { return draft },
		func(ctx context.Context, mutationID string) (domain.Entity, error) {
			msg, err := e.api.CreateMessage(ctx, mutationID, rest.MessageCreate{
				ConversationID: conversationID,
				Content:        content,
				Type:           messageType,
				ReplyToID:      replyToID,
			})
			if err != nil {
				return nil, err
			}
			return msg, nil
		})
	if err != nil {
		return domain.Message{}, err
	}
	return result.(domain.Message), nil
}

// CreateTask applies an optimistic task and settles it against the REST
// response.
func (e *Engine) CreateTask(ctx context.Context, req rest.TaskCreate) (domain.Task, error) {
	now := time.Now()
	priority := req.Priority
	if priority == "" {
		priority = domain.TaskPriorityNormal
	}
	draft := domain.Task{
		ID:          "local-" + newLocalID(),
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Status:      domain.TaskStatusTodo,
		Priority:    priority,
		AssigneeID:  req.AssigneeID,
		DueAt:       req.DueAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	result, err := e.mutations.Mutate(ctx, draft.ID,
		func(domain.Entity) domain.Entity { return draft },
		func(ctx context.Context, mutationID string) (domain.Entity, error) {
			task, err := e.api.CreateTask(ctx, mutationID, req)
			if err != nil {
				return nil, err
			}
			return task, nil
		})
	if err != nil {
		return domain.Task{}, err
	}
	return result.(domain.Task), nil
}

// UpdateTask applies a partial update optimistically and settles it.
func (e *Engine) UpdateTask(ctx context.Context, taskID string, updates map[string]any) (domain.Task, error) {
	result, err := e.mutations.Mutate(ctx, taskID,
		func(current domain.Entity) domain.Entity {
			task, ok := current.(domain.Task)
			if !ok {
				task = domain.Task{ID: taskID}
			}
			task = task.ApplyUpdates(updates)
			task.UpdatedAt = time.Now()
			return task
		},
		func(ctx context.Context, mutationID string) (domain.Entity, error) {
			task, err := e.api.UpdateTask(ctx, mutationID, taskID, updates)
			if err != nil {
				return nil, err
			}
			return task, nil
		})
	if err != nil {
		return domain.Task{}, err
	}
	return result.(domain.Task), nil
}

// BulkUpdateTasks applies one partial update to several tasks at once,
// optimistically across the whole set in a single notification batch. The
// coordinator handles single entities; the bulk path keeps its own
// rollback snapshots so a failed request restores every task together.
func (e *Engine) BulkUpdateTasks(ctx context.Context, taskIDs []string, updates map[string]any) ([]domain.Task, error) {
	now := time.Now()
	rollbacks := make(map[string]*cache.Entry, len(taskIDs))
	e.store.Batch(func() {
		for _, id := range taskIDs {
			entry, ok := e.store.Read(id)
			if !ok {
				continue
			}
			task, ok := entry.Entity.(domain.Task)
			if !ok {
				continue
			}
			snapshot := entry
			rollbacks[id] = &snapshot
			task = task.ApplyUpdates(updates)
			task.UpdatedAt = now
			e.store.Write(task, cache.SourceOptimistic, now)
		}
	})

	tasks, err := e.api.BulkUpdateTasks(context.WithoutCancel(ctx), newLocalID(), rest.BulkTaskUpdate{
		TaskIDs: taskIDs,
		Updates: updates,
	})
	if err != nil {
		e.store.Batch(func() {
			for id, snapshot := range rollbacks {
				e.store.Revert(id, snapshot)
			}
		})
		return nil, err
	}

	e.store.Batch(func() {
		for _, task := range tasks {
			e.store.Reconcile(task, task.UpdatedAt)
		}
	})
	return tasks, nil
}

// EditMessage changes a message's content optimistically and settles it.
func (e *Engine) EditMessage(ctx context.Context, messageID, content string) (domain.Message, error) {
	result, err := e.mutations.Mutate(ctx, messageID,
		func(current domain.Entity) domain.Entity {
			msg, ok := current.(domain.Message)
			if !ok {
				msg = domain.Message{ID: messageID}
			}
			msg.Content = content
			msg.UpdatedAt = time.Now()
			return msg
		},
		func(ctx context.Context, mutationID string) (domain.Entity, error) {
			msg, err := e.api.UpdateMessage(ctx, mutationID, messageID, content)
			if err != nil {
				return nil, err
			}
			return msg, nil
		})
	if err != nil {
		return domain.Message{}, err
	}
	return result.(domain.Message), nil
}

// DeleteMessage deletes a message and evicts it once the server confirms.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	if err := e.api.DeleteMessage(ctx, newLocalID(), messageID); err != nil {
		return err
	}
	e.store.Evict(messageID)
	return nil
}

// DeleteTask deletes a task and evicts it from the cache on confirmation.
// Deletion is not applied optimistically: a vanished row that reappears
// on failure is worse than a short delay.
func (e *Engine) DeleteTask(ctx context.Context, taskID string) error {
	if err := e.api.DeleteTask(ctx, newLocalID(), taskID); err != nil {
		return err
	}
	e.store.Evict(taskID)
	return nil
}

// MarkRead marks a conversation read optimistically and settles it.
func (e *Engine) MarkRead(ctx context.Context, conversationID, messageID string) error {
	_, err := e.mutations.Mutate(ctx, conversationID,
		func(current domain.Entity) domain.Entity {
			conversation, ok := current.(domain.Conversation)
			if !ok {
				conversation = domain.Conversation{ID: conversationID}
			}
			return conversation.WithRead(messageID, time.Now())
		},
		func(ctx context.Context, mutationID string) (domain.Entity, error) {
			conversation, err := e.api.MarkAsRead(ctx, mutationID, conversationID, messageID)
			if err != nil {
				return nil, err
			}
			return conversation, nil
		})
	return err
}

// StartTyping signals the local user's typing state. Ephemeral and
// best-effort: no optimistic bookkeeping.
func (e *Engine) StartTyping(conversationID string) error {
	return e.conn.Send(protocol.CommandTypingStart, protocol.TypingCommandPayload{ConversationID: conversationID})
}

// StopTyping clears the local user's typing state.
func (e *Engine) StopTyping(conversationID string) error {
	return e.conn.Send(protocol.CommandTypingStop, protocol.TypingCommandPayload{ConversationID: conversationID})
}

// Online reports whether a user is currently online.
func (e *Engine) Online(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.presence[userID]
}

// OnlineUsers returns the users currently known to be online.
func (e *Engine) OnlineUsers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := make([]string, 0, len(e.presence))
	for id := range e.presence {
		users = append(users, id)
	}
	return users
}

// TypingUsers returns the users currently typing in a conversation.
func (e *Engine) TypingUsers(conversationID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := make([]string, 0, len(e.typing[conversationID]))
	for id := range e.typing[conversationID] {
		users = append(users, id)
	}
	return users
}

// registerPushHandlers routes entity-bearing push events into the cache
// through the precedence write path, and the ephemeral ones into the
// presence/typing state.
func (e *Engine) registerPushHandlers() {
	e.dispatcher.On(protocol.EventNewMessage, func(ev realtime.Event) {
		push := ev.(realtime.NewMessage)
		msg := push.Message
		if msg.Status == "" {
			msg.Status = domain.MessageStatusSent
		}
		e.store.Batch(func() {
			e.store.Write(msg, cache.SourcePush, msg.UpdatedAt)
			if entry, ok := e.store.Read(msg.ConversationID); ok {
				if conversation, ok := entry.Entity.(domain.Conversation); ok {
					e.store.Write(conversation.WithLastMessage(msg.ID, msg.UpdatedAt), cache.SourcePush, msg.UpdatedAt)
				}
			}
		})
	})

	e.dispatcher.On(protocol.EventMessageSent, func(ev realtime.Event) {
		ack := ev.(realtime.MessageSent)
		entry, ok := e.store.Read(ack.MessageID)
		if !ok {
			return
		}
		if msg, ok := entry.Entity.(domain.Message); ok {
			msg = msg.WithStatus(domain.MessageStatusSent)
			msg.UpdatedAt = ack.SentAt
			e.store.Write(msg, cache.SourcePush, ack.SentAt)
		}
	})

	e.dispatcher.On(protocol.EventMessageError, func(ev realtime.Event) {
		fail := ev.(realtime.MessageError)
		e.mutations.Fail(fail.MutationID, fail.Reason)
	})

	e.dispatcher.On(protocol.EventMessagesRead, func(ev realtime.Event) {
		read := ev.(realtime.MessagesRead)
		entry, ok := e.store.Read(read.ConversationID)
		if !ok {
			return
		}
		if conversation, ok := entry.Entity.(domain.Conversation); ok {
			e.store.Write(conversation.WithRead(read.MessageID, read.ReadAt), cache.SourcePush, read.ReadAt)
		}
	})

	e.dispatcher.On(protocol.EventTaskUpdated, func(ev realtime.Event) {
		update := ev.(realtime.TaskUpdated)
		task := domain.Task{ID: update.TaskID, ProjectID: update.ProjectID}
		if entry, ok := e.store.Read(update.TaskID); ok {
			if existing, ok := entry.Entity.(domain.Task); ok {
				task = existing
			}
		}
		task = task.ApplyUpdates(update.Updates)
		task.UpdatedAt = update.UpdatedAt
		e.store.Write(task, cache.SourcePush, update.UpdatedAt)
	})

	e.dispatcher.On(protocol.EventUserOnline, func(ev realtime.Event) {
		online := ev.(realtime.UserOnline)
		e.mu.Lock()
		e.presence[online.UserID] = true
		e.mu.Unlock()
	})

	e.dispatcher.On(protocol.EventUserOffline, func(ev realtime.Event) {
		offline := ev.(realtime.UserOffline)
		e.mu.Lock()
		delete(e.presence, offline.UserID)
		e.mu.Unlock()
	})

	e.dispatcher.On(protocol.EventTypingStart, func(ev realtime.Event) {
		typing := ev.(realtime.TypingStart)
		e.mu.Lock()
		if e.typing[typing.ConversationID] == nil {
			e.typing[typing.ConversationID] = make(map[string]bool)
		}
		e.typing[typing.ConversationID][typing.UserID] = true
		e.mu.Unlock()
	})

	e.dispatcher.On(protocol.EventTypingStop, func(ev realtime.Event) {
		typing := ev.(realtime.TypingStop)
		e.mu.Lock()
		delete(e.typing[typing.ConversationID], typing.UserID)
		e.mu.Unlock()
	})

	e.dispatcher.On(protocol.EventProjectJoined, func(ev realtime.Event) {
		joined := ev.(realtime.ProjectJoined)
		e.queries.Invalidate("project:" + joined.ProjectID + ":tasks")
	})

	e.dispatcher.On(protocol.EventProjectLeft, func(ev realtime.Event) {
		left := ev.(realtime.ProjectLeft)
		e.queries.Invalidate("project:" + left.ProjectID + ":tasks")
	})
}

// toEntities converts a typed slice to the entity interface.
func toEntities[T domain.Entity](items []T) []domain.Entity {
	out := make([]domain.Entity, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
