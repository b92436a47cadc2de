// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	errTestRegistryDown = errors.New("registry unreachable")
	errTestWrongType    = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
)

func loggerForTest(t *testing.T) *zap.Logger {
	return NewJSONLogger(os.Stdout, zapcore.ErrorLevel, JSONFormat)
}

var _ Metrics = (*testMetrics)(nil)

type testMetrics struct {
	online          atomic.Int64
	offline         atomic.Int64
	routed          atomic.Int64
	localDeliveries atomic.Int64
	busDeliveries   atomic.Int64
	blocked         atomic.Int64
	acks            atomic.Int64
	bulkAcks        atomic.Int64
	registryErrors  atomic.Int64
	publishErrors   atomic.Int64
	sessions        atomic.Int64
}

func (m *testMetrics) Stop(logger *zap.Logger) {}
func (m *testMetrics) HTTPHandler() http.Handler { return http.NotFoundHandler() }
func (m *testMetrics) SnapshotSessions() int64 { return m.sessions.Load() }
func (m *testMetrics) Event(name string, elapsed time.Duration, isErr bool) {}
func (m *testMetrics) Message(recvBytes int64, isErr bool) {}
func (m *testMetrics) MessageBytesSent(sentBytes int64) {}
func (m *testMetrics) GaugeSessions(value float64) { m.sessions.Store(int64(value)) }
func (m *testMetrics) CountWebsocketOpened(delta int64) {}
func (m *testMetrics) CountWebsocketClosed(delta int64) {}
func (m *testMetrics) CountPresenceTransition(online bool) {
	if online {
		m.online.Inc()
	} else {
		m.offline.Inc()
	}
}
func (m *testMetrics) CountMessagesRouted(delta int64) { m.routed.Add(delta) }
func (m *testMetrics) CountDeliveries(local bool, delta int64) {
	if local {
		m.localDeliveries.Add(delta)
	} else {
		m.busDeliveries.Add(delta)
	}
}
func (m *testMetrics) CountBlockedRecipients(delta int64) { m.blocked.Add(delta) }
func (m *testMetrics) CountAcknowledgements(bulk bool, delta int64) {
	if bulk {
		m.bulkAcks.Add(delta)
	} else {
		m.acks.Add(delta)
	}
}
func (m *testMetrics) CountRegistryErrors(op string, delta int64) { m.registryErrors.Add(delta) }
func (m *testMetrics) CountBusPublishErrors(delta int64) { m.publishErrors.Add(delta) }
func (m *testMetrics) CustomTimer(name string, tags map[string]string, value time.Duration) {
}

// testRegistry is an in-memory Registry. Watched transactions run one at a time and
// only conflict with plain Exec writes to a watched key, which abort and rerun them.
type testRegistry struct {
	sync.Mutex
	watchMu  sync.Mutex
	sets     map[string]map[string]struct{}
	values   map[string]string
	ttls     map[string]time.Duration
	versions map[string]uint64

	failing     *atomic.Bool
	batchFailed *atomic.Bool
}

var _ Registry = (*testRegistry)(nil)

func newTestRegistry() *testRegistry {
	return &testRegistry{
		sets:        make(map[string]map[string]struct{}),
		values:      make(map[string]string),
		ttls:        make(map[string]time.Duration),
		versions:    make(map[string]uint64),
		failing:     atomic.NewBool(false),
		batchFailed: atomic.NewBool(false),
	}
}

// testRegistryView reads without locking. Callers hold the registry lock.
type testRegistryView struct {
	r *testRegistry
}

func (v testRegistryView) Members(ctx context.Context, key string) ([]string, error) {
	if v.r.failing.Load() {
		return nil, errTestRegistryDown
	}
	if _, isValue := v.r.values[key]; isValue {
		return nil, errTestWrongType
	}
	members := lo.Keys(v.r.sets[key])
	sort.Strings(members)
	return members, nil
}

func (v testRegistryView) Card(ctx context.Context, key string) (int64, error) {
	members, err := v.Members(ctx, key)
	return int64(len(members)), err
}

func (v testRegistryView) IsMember(ctx context.Context, key, member string) (bool, error) {
	members, err := v.Members(ctx, key)
	return lo.Contains(members, member), err
}

func (v testRegistryView) Get(ctx context.Context, key string) (string, bool, error) {
	if v.r.failing.Load() {
		return "", false, errTestRegistryDown
	}
	if _, isSet := v.r.sets[key]; isSet {
		return "", false, errTestWrongType
	}
	value, found := v.r.values[key]
	return value, found, nil
}

func (v testRegistryView) ExistsMany(ctx context.Context, keys []string) ([]bool, error) {
	if v.r.failing.Load() {
		return nil, errTestRegistryDown
	}
	exists := make([]bool, len(keys))
	for i, key := range keys {
		_, isValue := v.r.values[key]
		_, isSet := v.r.sets[key]
		exists[i] = isValue || isSet
	}
	return exists, nil
}

func (v testRegistryView) MembersMany(ctx context.Context, keys []string) ([]SetResult, error) {
	if v.r.failing.Load() || v.r.batchFailed.Load() {
		return nil, errTestRegistryDown
	}
	results := make([]SetResult, len(keys))
	for i, key := range keys {
		results[i].Members, results[i].Err = v.Members(ctx, key)
	}
	return results, nil
}

func (r *testRegistry) view() testRegistryView {
	return testRegistryView{r: r}
}

func (r *testRegistry) Members(ctx context.Context, key string) ([]string, error) {
	r.Lock()
	defer r.Unlock()
	return r.view().Members(ctx, key)
}

func (r *testRegistry) Card(ctx context.Context, key string) (int64, error) {
	r.Lock()
	defer r.Unlock()
	return r.view().Card(ctx, key)
}

func (r *testRegistry) IsMember(ctx context.Context, key, member string) (bool, error) {
	r.Lock()
	defer r.Unlock()
	return r.view().IsMember(ctx, key, member)
}

func (r *testRegistry) Get(ctx context.Context, key string) (string, bool, error) {
	r.Lock()
	defer r.Unlock()
	return r.view().Get(ctx, key)
}

func (r *testRegistry) ExistsMany(ctx context.Context, keys []string) ([]bool, error) {
	r.Lock()
	defer r.Unlock()
	return r.view().ExistsMany(ctx, keys)
}

func (r *testRegistry) MembersMany(ctx context.Context, keys []string) ([]SetResult, error) {
	r.Lock()
	defer r.Unlock()
	return r.view().MembersMany(ctx, keys)
}

func (r *testRegistry) exists(key string) bool {
	_, isValue := r.values[key]
	_, isSet := r.sets[key]
	return isValue || isSet
}

func (r *testRegistry) apply(batch *RegistryBatch) {
	for _, op := range batch.Ops() {
		if op.Kind == RegistryOpSet || op.Kind == RegistryOpSAdd || r.exists(op.Key) {
			r.versions[op.Key]++
		}
		switch op.Kind {
		case RegistryOpSAdd:
			if _, isValue := r.values[op.Key]; isValue {
				continue
			}
			set, found := r.sets[op.Key]
			if !found {
				set = make(map[string]struct{}, len(op.Members))
				r.sets[op.Key] = set
			}
			for _, member := range op.Members {
				set[member] = struct{}{}
			}
		case RegistryOpSRem:
			set := r.sets[op.Key]
			for _, member := range op.Members {
				delete(set, member)
			}
			if set != nil && len(set) == 0 {
				delete(r.sets, op.Key)
			}
		case RegistryOpSet:
			delete(r.sets, op.Key)
			r.values[op.Key] = op.Value
			if op.TTL > 0 {
				r.ttls[op.Key] = op.TTL
			} else {
				delete(r.ttls, op.Key)
			}
		case RegistryOpDel:
			delete(r.sets, op.Key)
			delete(r.values, op.Key)
			delete(r.ttls, op.Key)
		case RegistryOpExpire:
			_, isValue := r.values[op.Key]
			_, isSet := r.sets[op.Key]
			if isValue || isSet {
				r.ttls[op.Key] = op.TTL
			}
		}
	}
}

func (r *testRegistry) Exec(ctx context.Context, batch *RegistryBatch) error {
	r.Lock()
	defer r.Unlock()
	if r.failing.Load() {
		return errTestRegistryDown
	}
	r.apply(batch)
	return nil
}

func (r *testRegistry) Watch(ctx context.Context, fn func(view RegistryReader, batch *RegistryBatch) error, keys ...string) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	for attempt := 0; attempt < 8; attempt++ {
		if r.failing.Load() {
			return errTestRegistryDown
		}
		r.Lock()
		watched := lo.Map(keys, func(key string, _ int) uint64 { return r.versions[key] })
		r.Unlock()

		batch := NewRegistryBatch()
		if err := fn(r, batch); err != nil {
			return err
		}

		r.Lock()
		changed := false
		for i, key := range keys {
			if r.versions[key] != watched[i] {
				changed = true
				break
			}
		}
		if !changed {
			r.apply(batch)
		}
		r.Unlock()
		if !changed {
			return nil
		}
	}
	return ErrRegistryConflict
}

func (r *testRegistry) Ping(ctx context.Context) error {
	if r.failing.Load() {
		return errTestRegistryDown
	}
	return nil
}

func (r *testRegistry) Close() error {
	return nil
}

// lapse removes a key as if its TTL ran out.
func (r *testRegistry) lapse(key string) {
	r.Lock()
	defer r.Unlock()
	r.versions[key]++
	delete(r.sets, key)
	delete(r.values, key)
	delete(r.ttls, key)
}

func (r *testRegistry) setValue(key, value string) {
	r.Lock()
	defer r.Unlock()
	r.versions[key]++
	delete(r.sets, key)
	r.values[key] = value
}

func (r *testRegistry) ttl(key string) (time.Duration, bool) {
	r.Lock()
	defer r.Unlock()
	ttl, found := r.ttls[key]
	return ttl, found
}

// testBroker connects the buses of several simulated processes.
type testBroker struct {
	sync.Mutex
	buses     []*testBus
	published []*BusMessage
}

func newTestBroker() *testBroker {
	return &testBroker{}
}

func (b *testBroker) NewBus(node string) *testBus {
	bus := &testBus{
		broker:  b,
		node:    node,
		topics:  make(map[string]struct{}),
		failing: atomic.NewBool(false),
	}
	b.Lock()
	b.buses = append(b.buses, bus)
	b.Unlock()
	return bus
}

func (b *testBroker) Published(topic string) []*BusMessage {
	b.Lock()
	defer b.Unlock()
	return lo.Filter(b.published, func(msg *BusMessage, _ int) bool { return msg.Topic == topic })
}

var _ MessageBus = (*testBus)(nil)

// testBus delivers synchronously, through the same encoding as the real transports.
type testBus struct {
	sync.Mutex
	broker  *testBroker
	node    string
	handler BusHandler
	topics  map[string]struct{}
	stopped bool

	failing *atomic.Bool
}

func (b *testBus) Start(handler BusHandler) error {
	b.Lock()
	defer b.Unlock()
	b.handler = handler
	return nil
}

func (b *testBus) Publish(ctx context.Context, msg *BusMessage) error {
	if b.failing.Load() {
		return errors.New("bus unreachable")
	}
	if msg.FromNode == "" {
		msg.FromNode = b.node
	}
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	b.broker.Lock()
	b.broker.published = append(b.broker.published, msg)
	buses := append([]*testBus(nil), b.broker.buses...)
	b.broker.Unlock()

	for _, bus := range buses {
		bus.deliver(msg.Topic, data)
	}
	return nil
}

func (b *testBus) deliver(topic string, data []byte) {
	b.Lock()
	_, subscribed := b.topics[topic]
	handler := b.handler
	stopped := b.stopped
	b.Unlock()
	if !subscribed || handler == nil || stopped {
		return
	}
	msg, err := UnmarshalBusMessage(data)
	if err != nil {
		panic(err)
	}
	handler(msg)
}

func (b *testBus) Subscribe(ctx context.Context, topic string) error {
	b.Lock()
	defer b.Unlock()
	b.topics[topic] = struct{}{}
	return nil
}

func (b *testBus) Unsubscribe(ctx context.Context, topic string) error {
	b.Lock()
	defer b.Unlock()
	delete(b.topics, topic)
	return nil
}

func (b *testBus) Subscribed(topic string) bool {
	b.Lock()
	defer b.Unlock()
	_, found := b.topics[topic]
	return found
}

func (b *testBus) Stop() {
	b.Lock()
	defer b.Unlock()
	b.stopped = true
}

var (
	_ UserStore         = (*testStore)(nil)
	_ ConversationStore = (*testStore)(nil)
	_ MessageStore      = (*testStore)(nil)
)

// testStore is an in-memory user, conversation and message store.
type testStore struct {
	sync.Mutex
	nextID        int
	blocks        map[string]map[string]struct{}
	conversations map[string]*Conversation
	messages      map[string]*Message

	hasBlockedErr     error
	listBlockedErr    error
	markDeliveredErrs map[string]error
	hasBlockedCalls   int
	// afterListBlocked runs once per user, right after the next ListBlocked read of that user.
	afterListBlocked map[string]func()
}

func newTestStore() *testStore {
	return &testStore{
		blocks:        make(map[string]map[string]struct{}),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
	}
}

func (s *testStore) block(blockerID, blockedID string) {
	s.Lock()
	defer s.Unlock()
	blocked, found := s.blocks[blockerID]
	if !found {
		blocked = make(map[string]struct{})
		s.blocks[blockerID] = blocked
	}
	blocked[blockedID] = struct{}{}
}

func (s *testStore) HasBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	s.Lock()
	defer s.Unlock()
	s.hasBlockedCalls++
	if s.hasBlockedErr != nil {
		return false, s.hasBlockedErr
	}
	_, found := s.blocks[blockerID][blockedID]
	return found, nil
}

func (s *testStore) ListBlocked(ctx context.Context, userID string) ([]string, error) {
	s.Lock()
	if s.listBlockedErr != nil {
		s.Unlock()
		return nil, s.listBlockedErr
	}
	blocked := lo.Keys(s.blocks[userID])
	sort.Strings(blocked)
	hook := s.afterListBlocked[userID]
	delete(s.afterListBlocked, userID)
	s.Unlock()

	if hook != nil {
		hook()
	}
	return blocked, nil
}

func (s *testStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s%d", prefix, s.nextID)
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	return &out
}

func copyMessage(m *Message) *Message {
	out := *m
	out.DeliveredTo = append([]Receipt{}, m.DeliveredTo...)
	return &out
}

func (s *testStore) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	s.Lock()
	defer s.Unlock()
	conversation, found := s.conversations[conversationID]
	if !found {
		return nil, ErrStoreNotFound
	}
	return copyConversation(conversation), nil
}

func (s *testStore) FindPrivateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	s.Lock()
	defer s.Unlock()
	for _, conversation := range s.conversations {
		if !conversation.IsGroup && len(conversation.Participants) == 2 && conversation.HasParticipant(userA) && conversation.HasParticipant(userB) {
			return copyConversation(conversation), nil
		}
	}
	return nil, ErrStoreNotFound
}

func (s *testStore) CreateConversation(ctx context.Context, participants []string, isGroup bool) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.Lock()
	defer s.Unlock()
	conversation := &Conversation{
		ID:           s.id("conv"),
		Participants: append([]string(nil), participants...),
		IsGroup:      isGroup,
		CreatedAt:    time.Now().UTC(),
	}
	s.conversations[conversation.ID] = conversation
	return copyConversation(conversation), nil
}

func (s *testStore) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	s.Lock()
	defer s.Unlock()
	conversation, found := s.conversations[conversationID]
	if !found {
		return ErrStoreNotFound
	}
	conversation.LastMessageID = messageID
	conversation.LastMessageAt = &at
	return nil
}

func (s *testStore) CreateMessage(ctx context.Context, message *Message) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.Lock()
	defer s.Unlock()
	created := copyMessage(message)
	created.ID = s.id("msg")
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}
	s.messages[created.ID] = created
	return copyMessage(created), nil
}

func (s *testStore) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	s.Lock()
	defer s.Unlock()
	message, found := s.messages[messageID]
	if !found {
		return nil, ErrStoreNotFound
	}
	return copyMessage(message), nil
}

func delivered(message *Message, userID string) bool {
	return lo.ContainsBy(message.DeliveredTo, func(r Receipt) bool { return r.UserID == userID })
}

func (s *testStore) MarkDelivered(ctx context.Context, conversationID, messageID, recipientID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.Lock()
	defer s.Unlock()
	if err, found := s.markDeliveredErrs[messageID]; found {
		return false, err
	}
	message, found := s.messages[messageID]
	if !found || message.ConversationID != conversationID || message.SenderID == recipientID || delivered(message, recipientID) {
		return false, nil
	}
	message.DeliveredTo = append(message.DeliveredTo, Receipt{UserID: recipientID, DeliveredAt: at})
	return true, nil
}

func (s *testStore) MarkDeliveredUpTo(ctx context.Context, conversationID, recipientID string, upTo, at time.Time) (*BulkDeliveryResult, error) {
	s.Lock()
	defer s.Unlock()
	result := &BulkDeliveryResult{}
	for _, message := range s.messages {
		if message.ConversationID != conversationID || message.CreatedAt.After(upTo) || message.SenderID == recipientID || delivered(message, recipientID) {
			continue
		}
		message.DeliveredTo = append(message.DeliveredTo, Receipt{UserID: recipientID, DeliveredAt: at})
		result.MatchedCount++
		result.ModifiedCount++
	}
	return result, nil
}

// addConversation stores a conversation directly.
func (s *testStore) addConversation(isGroup bool, participants ...string) *Conversation {
	conversation, _ := s.CreateConversation(context.Background(), participants, isGroup)
	return conversation
}

// addMessage stores a message directly with the given creation time.
func (s *testStore) addMessage(conversationID, senderID string, createdAt time.Time) *Message {
	message, _ := s.CreateMessage(context.Background(), &Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        "hello",
		MessageType:    MessageTypeText,
		CreatedAt:      createdAt,
	})
	return message
}

var _ Session = (*testSession)(nil)

type testSession struct {
	sync.Mutex
	id          uuid.UUID
	userID      string
	logger      *zap.Logger
	connectedAt time.Time

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	envelopes []*Envelope
	closed    bool
	onClose   func()
}

func newTestSession(t *testing.T, userID string) *testSession {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	t.Cleanup(ctxCancelFn)
	return &testSession{
		id:          uuid.Must(uuid.NewV4()),
		userID:      userID,
		logger:      loggerForTest(t),
		connectedAt: time.Now().UTC(),
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}
}

func (s *testSession) Logger() *zap.Logger { return s.logger }
func (s *testSession) ID() uuid.UUID { return s.id }
func (s *testSession) UserID() string { return s.userID }
func (s *testSession) Username() string { return s.userID }
func (s *testSession) ConnectedAt() time.Time { return s.connectedAt }
func (s *testSession) Context() context.Context { return s.ctx }
func (s *testSession) Consume() {}

func (s *testSession) Send(envelope *Envelope) error {
	payload, err := envelopeBytes(envelope)
	if err != nil {
		return err
	}
	return s.SendBytes(payload)
}

func (s *testSession) SendBytes(payload []byte) error {
	envelope := &Envelope{}
	if err := json.Unmarshal(payload, envelope); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.envelopes = append(s.envelopes, envelope)
	return nil
}

func (s *testSession) Close(msg string, envelopes ...*Envelope) {
	s.Lock()
	if s.closed {
		s.Unlock()
		return
	}
	s.closed = true
	onClose := s.onClose
	s.Unlock()

	s.ctxCancelFn()
	if onClose != nil {
		onClose()
	}
}

// Received returns the envelopes of the given event sent to the session so far.
func (s *testSession) Received(event string) []*Envelope {
	s.Lock()
	defer s.Unlock()
	return lo.Filter(s.envelopes, func(e *Envelope, _ int) bool { return e.Event == event })
}

func (s *testSession) Reset() {
	s.Lock()
	defer s.Unlock()
	s.envelopes = nil
}

func decodeEvent[T any](t *testing.T, envelope *Envelope) *T {
	t.Helper()
	v := new(T)
	require.NoError(t, json.Unmarshal(envelope.Data, v))
	return v
}

// testNode wires the components of one relay process on top of shared fakes.
type testNode struct {
	name            string
	idGen           *uuid.Gen
	config          *config
	metrics         *testMetrics
	bus             *testBus
	sessionRegistry *LocalSessionRegistry
	connections     *ConnectionRegistry
	tracker         *PresenceTracker
	blockFilter     *BlockFilter
	router          *FanoutRouter
	deliveryTracker *DeliveryTracker
	pipeline        *Pipeline
}

func newTestNode(t *testing.T, name string, registry Registry, broker *testBroker, store *testStore) *testNode {
	logger := loggerForTest(t)
	cfg := NewConfig(logger)
	cfg.Name = name

	n := &testNode{
		name:    name,
		idGen:   NewConnectionIDGen(name),
		config:  cfg,
		metrics: &testMetrics{},
		bus:     broker.NewBus(name),
	}
	n.sessionRegistry = NewLocalSessionRegistry(logger, n.metrics, n.bus)
	n.connections = NewConnectionRegistry(logger, n.metrics, registry, cfg.GetRegistry())
	n.tracker = NewPresenceTracker(logger, n.metrics, n.connections, n.sessionRegistry, n.bus, cfg.GetRegistry(), name)
	require.NoError(t, n.bus.Start(n.tracker.BusHandler(n.sessionRegistry.Deliver)))
	require.NoError(t, n.tracker.Start(context.Background()))
	n.blockFilter = NewBlockFilter(logger, n.metrics, registry, store, cfg.GetRegistry())
	n.router = NewFanoutRouter(logger, n.metrics, store, store, n.blockFilter, n.connections, n.sessionRegistry, n.bus, cfg.GetFanout())
	n.deliveryTracker = NewDeliveryTracker(logger, n.metrics, store, store, n.bus, cfg.GetFanout())
	n.pipeline = NewPipeline(logger, n.metrics, n.sessionRegistry, store, n.router, n.deliveryTracker, n.bus)
	return n
}

// connect accepts a session the way the socket acceptor does.
func (n *testNode) connect(t *testing.T, userID string) *testSession {
	session := newTestSession(t, userID)
	session.id = uuid.Must(n.idGen.NewV1())
	session.onClose = func() {
		n.sessionRegistry.Remove(session.ID())
		n.tracker.Disconnect(context.Background(), session.ID().String(), userID)
	}
	n.sessionRegistry.Add(session)
	n.tracker.Connect(session.Context(), session)
	return session
}

// request runs one inbound envelope through the pipeline.
func (n *testNode) request(t *testing.T, session Session, cid, event string, data any) {
	t.Helper()
	envelope, err := NewEnvelope(event, data)
	require.NoError(t, err)
	envelope.Cid = cid
	require.True(t, n.pipeline.ProcessRequest(session.Logger(), session, envelope))
}
