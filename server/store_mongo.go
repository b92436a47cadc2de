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
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

var (
	_ UserStore         = (*MongoStore)(nil)
	_ ConversationStore = (*MongoStore)(nil)
	_ MessageStore      = (*MongoStore)(nil)
)

type mongoUser struct {
	ID           primitive.ObjectID   `bson:"_id"`
	BlockedUsers []primitive.ObjectID `bson:"blocked_users"`
}

type mongoConversation struct {
	ID            primitive.ObjectID   `bson:"_id,omitempty"`
	Participants  []primitive.ObjectID `bson:"participants"`
	IsGroup       bool                 `bson:"is_group"`
	LastMessageID *primitive.ObjectID  `bson:"last_message_id,omitempty"`
	LastMessageAt *time.Time           `bson:"last_message_at,omitempty"`
	CreatedAt     time.Time            `bson:"created_at"`
	UpdatedAt     time.Time            `bson:"updated_at"`
}

type mongoReceipt struct {
	UserID      primitive.ObjectID `bson:"user_id"`
	DeliveredAt time.Time          `bson:"delivered_at"`
}

type mongoMessage struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationID primitive.ObjectID `bson:"conversation_id"`
	SenderID       primitive.ObjectID `bson:"sender_id"`
	Content        string             `bson:"content"`
	MessageType    string             `bson:"message_type"`
	CreatedAt      time.Time          `bson:"created_at"`
	DeliveredTo    []mongoReceipt     `bson:"delivered_to"`
}

// NewMongoClient connects to MongoDB and verifies the connection with a ping.
func NewMongoClient(ctx context.Context, startupLogger *zap.Logger, mongoConfig *MongoConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoConfig.GetConnectTimeout())
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoConfig.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	startupLogger.Info("Connected to MongoDB", zap.String("database", mongoConfig.Database))
	return client, nil
}

// MongoStore implements the user, conversation and message stores on MongoDB.
// Ids are the hex form of ObjectIDs.
type MongoStore struct {
	logger        *zap.Logger
	client        *mongo.Client
	users         *mongo.Collection
	conversations *mongo.Collection
	messages      *mongo.Collection
}

func NewMongoStore(logger *zap.Logger, client *mongo.Client, mongoConfig *MongoConfig) *MongoStore {
	db := client.Database(mongoConfig.Database)
	return &MongoStore{
		logger:        logger,
		client:        client,
		users:         db.Collection(mongoConfig.UsersCollection),
		conversations: db.Collection(mongoConfig.ConversationsCollection),
		messages:      db.Collection(mongoConfig.MessagesCollection),
	}
}

// EnsureIndexes creates the indexes the routing and acknowledgment queries rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participants", Value: 1}, {Key: "is_group", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create conversations index: %w", err)
	}
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create messages index: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func parseObjectID(field, id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, ValidationError("invalid %s", field)
	}
	return oid, nil
}

func parseObjectIDs(field string, ids []string) ([]primitive.ObjectID, error) {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		oid, err := parseObjectID(field, id)
		if err != nil {
			return nil, err
		}
		oids = append(oids, oid)
	}
	return oids, nil
}

func hexIDs(oids []primitive.ObjectID) []string {
	ids := make([]string, len(oids))
	for i, oid := range oids {
		ids[i] = oid.Hex()
	}
	return ids
}

func (s *MongoStore) HasBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	blocker, err := parseObjectID("user id", blockerID)
	if err != nil {
		return false, err
	}
	blocked, err := parseObjectID("user id", blockedID)
	if err != nil {
		return false, err
	}

	count, err := s.users.CountDocuments(ctx, bson.M{"_id": blocker, "blocked_users": blocked}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check block: %w", err)
	}
	return count > 0, nil
}

func (s *MongoStore) ListBlocked(ctx context.Context, userID string) ([]string, error) {
	oid, err := parseObjectID("user id", userID)
	if err != nil {
		return nil, err
	}

	var user mongoUser
	err = s.users.FindOne(ctx, bson.M{"_id": oid}, options.FindOne().SetProjection(bson.M{"blocked_users": 1})).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list blocked users: %w", err)
	}
	return hexIDs(user.BlockedUsers), nil
}

func (c *mongoConversation) toConversation() *Conversation {
	conversation := &Conversation{
		ID:            c.ID.Hex(),
		Participants:  hexIDs(c.Participants),
		IsGroup:       c.IsGroup,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
	}
	if c.LastMessageID != nil {
		conversation.LastMessageID = c.LastMessageID.Hex()
	}
	return conversation
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	oid, err := parseObjectID("conversation id", conversationID)
	if err != nil {
		return nil, err
	}

	var doc mongoConversation
	if err := s.conversations.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return doc.toConversation(), nil
}

func (s *MongoStore) FindPrivateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	oids, err := parseObjectIDs("user id", []string{userA, userB})
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"is_group":     false,
		"participants": bson.M{"$all": oids, "$size": 2},
	}
	var doc mongoConversation
	if err := s.conversations.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("failed to find private conversation: %w", err)
	}
	return doc.toConversation(), nil
}

func (s *MongoStore) CreateConversation(ctx context.Context, participants []string, isGroup bool) (*Conversation, error) {
	oids, err := parseObjectIDs("participant id", participants)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	doc := &mongoConversation{
		ID:           primitive.NewObjectID(),
		Participants: oids,
		IsGroup:      isGroup,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return doc.toConversation(), nil
}

func (s *MongoStore) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	conversationOID, err := parseObjectID("conversation id", conversationID)
	if err != nil {
		return err
	}
	messageOID, err := parseObjectID("message id", messageID)
	if err != nil {
		return err
	}

	_, err = s.conversations.UpdateOne(ctx, bson.M{"_id": conversationOID}, bson.M{"$set": bson.M{
		"last_message_id": messageOID,
		"last_message_at": at,
		"updated_at":      time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("failed to set last message: %w", err)
	}
	return nil
}

func (m *mongoMessage) toMessage() *Message {
	message := &Message{
		ID:             m.ID.Hex(),
		ConversationID: m.ConversationID.Hex(),
		SenderID:       m.SenderID.Hex(),
		Content:        m.Content,
		MessageType:    m.MessageType,
		CreatedAt:      m.CreatedAt,
		DeliveredTo:    make([]Receipt, 0, len(m.DeliveredTo)),
	}
	for _, r := range m.DeliveredTo {
		message.DeliveredTo = append(message.DeliveredTo, Receipt{UserID: r.UserID.Hex(), DeliveredAt: r.DeliveredAt})
	}
	return message
}

func (s *MongoStore) CreateMessage(ctx context.Context, message *Message) (*Message, error) {
	conversationOID, err := parseObjectID("conversation id", message.ConversationID)
	if err != nil {
		return nil, err
	}
	senderOID, err := parseObjectID("sender id", message.SenderID)
	if err != nil {
		return nil, err
	}

	createdAt := message.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	doc := &mongoMessage{
		ID:             primitive.NewObjectID(),
		ConversationID: conversationOID,
		SenderID:       senderOID,
		Content:        message.Content,
		MessageType:    message.MessageType,
		CreatedAt:      createdAt,
		DeliveredTo:    []mongoReceipt{},
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return doc.toMessage(), nil
}

func (s *MongoStore) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	oid, err := parseObjectID("message id", messageID)
	if err != nil {
		return nil, err
	}

	var doc mongoMessage
	if err := s.messages.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return doc.toMessage(), nil
}

func (s *MongoStore) MarkDelivered(ctx context.Context, conversationID, messageID, recipientID string, at time.Time) (bool, error) {
	conversationOID, err := parseObjectID("conversation id", conversationID)
	if err != nil {
		return false, err
	}
	messageOID, err := parseObjectID("message id", messageID)
	if err != nil {
		return false, err
	}
	recipientOID, err := parseObjectID("recipient id", recipientID)
	if err != nil {
		return false, err
	}

	filter := bson.M{
		"_id":                  messageOID,
		"conversation_id":      conversationOID,
		"sender_id":            bson.M{"$ne": recipientOID},
		"delivered_to.user_id": bson.M{"$ne": recipientOID},
	}
	update := bson.M{"$push": bson.M{"delivered_to": mongoReceipt{UserID: recipientOID, DeliveredAt: at}}}
	result, err := s.messages.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to mark message delivered: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

func (s *MongoStore) MarkDeliveredUpTo(ctx context.Context, conversationID, recipientID string, upTo, at time.Time) (*BulkDeliveryResult, error) {
	conversationOID, err := parseObjectID("conversation id", conversationID)
	if err != nil {
		return nil, err
	}
	recipientOID, err := parseObjectID("recipient id", recipientID)
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"conversation_id":      conversationOID,
		"created_at":           bson.M{"$lte": upTo},
		"sender_id":            bson.M{"$ne": recipientOID},
		"delivered_to.user_id": bson.M{"$ne": recipientOID},
	}
	update := bson.M{"$push": bson.M{"delivered_to": mongoReceipt{UserID: recipientOID, DeliveredAt: at}}}
	result, err := s.messages.UpdateMany(ctx, filter, update)
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages delivered: %w", err)
	}
	return &BulkDeliveryResult{MatchedCount: result.MatchedCount, ModifiedCount: result.ModifiedCount}, nil
}
