package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	defaultMongoDatabase = "leadpipe"
	defaultMongoTimeout  = 10 * time.Second

	mongoConversations = "conversations"
	mongoLeads         = "leads"
)

// MongoStore keeps one document per conversation, keyed by session key, with the messages
// embedded in an array. Appends use $push so concurrent writers never replace each other.
type MongoStore struct {
	client *mongo.Client
	convs  *mongo.Collection
	leads  *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

type mongoConversation struct {
	ID          string           `bson:"_id"`
	SenderID    string           `bson:"senderId"`
	SenderName  string           `bson:"senderName"`
	LastUpdated time.Time        `bson:"lastUpdated"`
	Messages    []models.Message `bson:"messages"`
}

// NewMongoStore connects to MongoDB and verifies the connection with a ping.
func NewMongoStore(ctx context.Context, opts ...Option) (*MongoStore, error) {
	cfg := applyOpts(opts)
	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("mongo URI not set")
	}
	dbName := cfg.MongoDatabase
	if dbName == "" {
		dbName = defaultMongoDatabase
	}
	timeout := cfg.MongoTimeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		slog.Error("MongoStore.NewMongoStore: connect failed", "error", err)
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		slog.Error("MongoStore.NewMongoStore: ping failed", "error", err)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	db := client.Database(dbName)
	slog.Debug("MongoStore.NewMongoStore: connected", "database", dbName)
	return &MongoStore{
		client: client,
		convs:  db.Collection(mongoConversations),
		leads:  db.Collection(mongoLeads),
	}, nil
}

// Append pushes msg onto the conversation document, creating it when absent.
func (s *MongoStore) Append(ctx context.Context, sessionKey string, msg models.Message) error {
	if err := validateKey(sessionKey); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	id, name, update := conversationSender(sessionKey, msg)
	set := bson.M{"lastUpdated": msg.Timestamp}
	doc := bson.M{
		"$push": bson.M{"messages": msg},
		"$set":  set,
	}
	if update {
		set["senderId"] = id
		set["senderName"] = name
	} else {
		doc["$setOnInsert"] = bson.M{"senderId": id, "senderName": name}
	}
	_, err := s.convs.UpdateOne(ctx, bson.M{"_id": sessionKey}, doc, options.Update().SetUpsert(true))
	if err != nil {
		slog.Error("MongoStore.Append failed", "sessionKey", sessionKey, "error", err)
		return fmt.Errorf("failed to append message for %s: %w", sessionKey, err)
	}
	return nil
}

func (s *MongoStore) load(ctx context.Context, sessionKey string) (*mongoConversation, error) {
	var doc mongoConversation
	err := s.convs.FindOne(ctx, bson.M{"_id": sessionKey}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", sessionKey, err)
	}
	return &doc, nil
}

// Read returns the embedded messages in append order.
func (s *MongoStore) Read(ctx context.Context, sessionKey string) ([]models.Message, error) {
	doc, err := s.load(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Messages == nil {
		return []models.Message{}, nil
	}
	return doc.Messages, nil
}

// GetConversation returns the conversation document, or nil.
func (s *MongoStore) GetConversation(ctx context.Context, sessionKey string) (*models.Conversation, error) {
	doc, err := s.load(ctx, sessionKey)
	if err != nil || doc == nil {
		return nil, err
	}
	msgs := doc.Messages
	if msgs == nil {
		msgs = []models.Message{}
	}
	return &models.Conversation{
		SenderID:    doc.SenderID,
		SenderName:  doc.SenderName,
		LastUpdated: doc.LastUpdated,
		Messages:    msgs,
	}, nil
}

// SaveLead inserts lead with its id as the document _id.
func (s *MongoStore) SaveLead(ctx context.Context, lead models.Lead) error {
	if _, err := s.leads.InsertOne(ctx, lead); err != nil {
		slog.Error("MongoStore.SaveLead failed", "id", lead.ID, "error", err)
		return fmt.Errorf("failed to insert lead %s: %w", lead.ID, err)
	}
	return nil
}

// GetLead returns a lead by id.
func (s *MongoStore) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	var lead models.Lead
	err := s.leads.FindOne(ctx, bson.M{"_id": id}).Decode(&lead)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lead %s: %w", id, err)
	}
	return &lead, nil
}

// ListLeads returns leads newest first.
func (s *MongoStore) ListLeads(ctx context.Context, limit int) ([]models.Lead, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cur, err := s.leads.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	leads := []models.Lead{}
	if err := cur.All(ctx, &leads); err != nil {
		return nil, fmt.Errorf("failed to decode leads: %w", err)
	}
	return leads, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
