// Package mongodb stores and retrieves edx-mfe link and session data from MongoDB.
package mongodb

import (
	"context"
	"errors"

	"github.com/SuriyaPasupathi/edx-mfe/storage"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoDBStorage struct {
	MongoClient       *mongo.Client
	LinkCollection    *mongo.Collection
	SessionCollection *mongo.Collection
}

const (
	databaseName = "edxmfe"

	linkStoreName    = "link_store"
	sessionStoreName = "session_store"
)

type linkDoc struct {
	LinkID string `bson:"link_id"`
	Email  string `bson:"email"`
}

type sessionDoc struct {
	Email         string `bson:"email"`
	SessionCookie string `bson:"session_cookie"`
	Password      string `bson:"password"`
}

func New(ctx context.Context, uri string, username string, password string) (*MongoDBStorage, error) {
	var err error
	s := &MongoDBStorage{}

	mongoOpts := options.Client().ApplyURI(uri)
	if username != "" {
		mongoOpts.SetAuth(options.Credential{Username: username, Password: password})
	}

	s.MongoClient, err = mongo.NewClient(mongoOpts)
	if err != nil {
		return nil, err
	}

	err = s.MongoClient.Connect(ctx)
	if err != nil {
		return nil, err
	}

	s.LinkCollection = s.MongoClient.Database(databaseName).Collection(linkStoreName)
	_, err = s.LinkCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.M{"link_id": 1},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.M{"email": 1},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return nil, err
	}

	s.SessionCollection = s.MongoClient.Database(databaseName).Collection(sessionStoreName)
	_, err = s.SessionCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.M{"email": 1},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.M{"session_cookie": 1},
		},
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *MongoDBStorage) RetrieveOrCreateLink(ctx context.Context, email string) (*storage.LinkRecord, bool, error) {
	email = storage.NormalizeEmail(email)
	newID := uuid.NewString()
	var doc linkDoc
	// upsert-if-absent; ReturnDocument(After) hands back whichever link
	// ended up stored, so two racing creates converge on one link_id
	err := s.LinkCollection.FindOneAndUpdate(
		ctx,
		bson.M{"email": email},
		bson.M{"$setOnInsert": bson.M{"link_id": newID, "email": email}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return nil, false, err
	}
	return &storage.LinkRecord{LinkID: doc.LinkID, Email: doc.Email}, doc.LinkID == newID, nil
}

func (s *MongoDBStorage) RetrieveLink(ctx context.Context, linkID string) (*storage.LinkRecord, error) {
	var doc linkDoc
	err := s.LinkCollection.FindOne(ctx, bson.M{"link_id": linkID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrLinkNotFound
	} else if err != nil {
		return nil, err
	}
	return &storage.LinkRecord{LinkID: doc.LinkID, Email: doc.Email}, nil
}

func (s *MongoDBStorage) RetrieveLinkByEmail(ctx context.Context, email string) (*storage.LinkRecord, error) {
	var doc linkDoc
	err := s.LinkCollection.FindOne(ctx, bson.M{"email": storage.NormalizeEmail(email)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrLinkNotFound
	} else if err != nil {
		return nil, err
	}
	return &storage.LinkRecord{LinkID: doc.LinkID, Email: doc.Email}, nil
}

func (s *MongoDBStorage) RetrieveSession(ctx context.Context, email string) (*storage.SessionRecord, error) {
	var doc sessionDoc
	err := s.SessionCollection.FindOne(ctx, bson.M{"email": storage.NormalizeEmail(email)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrSessionNotFound
	} else if err != nil {
		return nil, err
	}
	return &storage.SessionRecord{
		Email:         doc.Email,
		SessionCookie: doc.SessionCookie,
		Password:      doc.Password,
	}, nil
}

func (s *MongoDBStorage) StoreSession(ctx context.Context, record *storage.SessionRecord) error {
	email := storage.NormalizeEmail(record.Email)
	_, err := s.SessionCollection.UpdateOne(
		ctx,
		bson.M{"email": email},
		bson.M{"$set": bson.M{
			"email":          email,
			"session_cookie": record.SessionCookie,
			"password":       record.Password,
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoDBStorage) UpdateSessionCookie(ctx context.Context, email, sessionCookie string) error {
	result, err := s.SessionCollection.UpdateOne(
		ctx,
		bson.M{"email": storage.NormalizeEmail(email)},
		bson.M{"$set": bson.M{"session_cookie": sessionCookie}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return storage.ErrSessionNotFound
	}
	return nil
}

func (s *MongoDBStorage) RetrieveEmailBySessionCookie(ctx context.Context, sessionCookie string) (string, error) {
	if sessionCookie == "" || sessionCookie == storage.SessionSentinel {
		return "", storage.ErrSessionNotFound
	}
	var doc sessionDoc
	err := s.SessionCollection.FindOne(ctx, bson.M{"session_cookie": sessionCookie}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", storage.ErrSessionNotFound
	} else if err != nil {
		return "", err
	}
	return doc.Email, nil
}
