// Remote document store backend, backed by MongoDB. This is the "remote
// document store with reactive queries" implementation required by the
// StateStore contract. It exposes no change-stream watch: the core,
// including the retention janitor, reads it by plain queries only (see
// SPEC_FULL.md's design notes on reactive queries degrading to polling for
// the core).
package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/thermobridge/thermobridge/internal/model"
)

var _ Store = (*MongoStore)(nil)

type MongoStore struct {
	client       *mongo.Client
	objects      *mongo.Collection
	owners       *mongo.Collection
	entryKeys    *mongo.Collection
	weather      *mongo.Collection
	integrations *mongo.Collection
	apiKeys      *mongo.Collection
}

// MongoConfig carries the connection parameters selected by
// THERMO_STORE_* env vars.
type MongoConfig struct {
	URI      string
	Database string
}

func NewMongoStore(ctx context.Context, conf MongoConfig) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(conf.URI))
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	db := client.Database(conf.Database)

	s := &MongoStore{
		client:       client,
		objects:      db.Collection("objects"),
		owners:       db.Collection("device_owners"),
		entryKeys:    db.Collection("entry_keys"),
		weather:      db.Collection("weather_cache"),
		integrations: db.Collection("integration_configs"),
		apiKeys:      db.Collection("api_keys"),
	}

	if _, err := s.entryKeys.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "serial", Value: 1}},
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.D{{Key: "claimed_by", Value: bson.D{{Key: "$exists", Value: false}}}}),
	}); err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}

	return s, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

type objectDoc struct {
	ID        string `bson:"_id"` // serial|object_key
	Serial    string `bson:"serial"`
	ObjectKey string `bson:"object_key"`
	Revision  int64  `bson:"object_revision"`
	Timestamp int64  `bson:"object_timestamp"`
	Value     bson.M `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (s *MongoStore) UpsertState(ctx context.Context, serial, objKey string, revision, timestamp int64, obj model.Object) (*model.Object, error) {
	doc := objectDoc{
		ID:        key(serial, objKey),
		Serial:    serial,
		ObjectKey: objKey,
		Revision:  revision,
		Timestamp: timestamp,
		Value:     valueToBSON(obj.Value),
		UpdatedAt: time.Now(),
	}
	_, err := s.objects.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	out := obj
	out.Serial, out.ObjectKey, out.ObjectRevision, out.ObjectTimestamp, out.UpdatedAt = serial, objKey, revision, timestamp, doc.UpdatedAt
	return &out, nil
}

func (s *MongoStore) GetState(ctx context.Context, serial, objKey string) (*model.Object, error) {
	var doc objectDoc
	err := s.objects.FindOne(ctx, bson.M{"_id": key(serial, objKey)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &ErrNotFound{Entity: "object", Key: key(serial, objKey)}
	}
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return objectFromDoc(doc), nil
}

func (s *MongoStore) GetDeviceState(ctx context.Context, serial string) (map[string]model.Object, error) {
	cursor, err := s.objects.Find(ctx, bson.M{"serial": serial})
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	defer cursor.Close(ctx)

	out := make(map[string]model.Object)
	for cursor.Next(ctx) {
		var doc objectDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, &ErrStoreUnavailable{Cause: err}
		}
		out[doc.ObjectKey] = *objectFromDoc(doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return out, nil
}

func (s *MongoStore) ListDevicesByPostalCode(ctx context.Context, postal string) ([]string, error) {
	cursor, err := s.objects.Find(ctx, bson.M{
		"object_key":         bson.M{"$regex": "^device\\."},
		"value.postal_code": postal,
	})
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	defer cursor.Close(ctx)

	var out []string
	for cursor.Next(ctx) {
		var doc objectDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, &ErrStoreUnavailable{Cause: err}
		}
		out = append(out, doc.Serial)
	}
	if err := cursor.Err(); err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return out, nil
}

type ownerDoc struct {
	Serial    string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	CreatedAt time.Time `bson:"created_at"`
}

func (s *MongoStore) GetDeviceOwner(ctx context.Context, serial string) (*model.DeviceOwner, error) {
	var doc ownerDoc
	err := s.owners.FindOne(ctx, bson.M{"_id": serial}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &ErrNotFound{Entity: "device_owner", Key: serial}
	}
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return &model.DeviceOwner{Serial: doc.Serial, UserID: doc.UserID, CreatedAt: doc.CreatedAt}, nil
}

func (s *MongoStore) SetDeviceOwner(ctx context.Context, serial, userID string) error {
	_, err := s.owners.UpdateOne(ctx,
		bson.M{"_id": serial},
		bson.M{"$setOnInsert": ownerDoc{Serial: serial, UserID: userID, CreatedAt: time.Now()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}

func (s *MongoStore) ListUserDevices(ctx context.Context, userID string) ([]string, error) {
	cursor, err := s.owners.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	defer cursor.Close(ctx)

	var out []string
	for cursor.Next(ctx) {
		var doc ownerDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, &ErrStoreUnavailable{Cause: err}
		}
		out = append(out, doc.Serial)
	}
	return out, cursor.Err()
}

func (s *MongoStore) GetSharedWithMe(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

type entryKeyDoc struct {
	Code      string     `bson:"_id"`
	Serial    string     `bson:"serial"`
	CreatedAt time.Time  `bson:"created_at"`
	ExpiresAt time.Time  `bson:"expires_at"`
	ClaimedBy *string    `bson:"claimed_by,omitempty"`
	ClaimedAt *time.Time `bson:"claimed_at,omitempty"`
}

// GenerateEntryKey relies on the unique partial index on serial (scoped to
// unclaimed documents) to enforce "at most one active code per serial"
// atomically: the prior unclaimed code is deleted first, then insertion is
// retried on a duplicate-key error.
func (s *MongoStore) GenerateEntryKey(ctx context.Context, serial string, ttl time.Duration) (*model.EntryKey, error) {
	if _, err := s.entryKeys.DeleteMany(ctx, bson.M{"serial": serial, "claimed_by": bson.M{"$exists": false}}); err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}

	now := time.Now()
	for i := 0; i < entryKeyAllocAttempts; i++ {
		doc := entryKeyDoc{
			Code:      randomEntryCode(),
			Serial:    serial,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		_, err := s.entryKeys.InsertOne(ctx, doc)
		if err == nil {
			return &model.EntryKey{Code: doc.Code, Serial: doc.Serial, CreatedAt: doc.CreatedAt, ExpiresAt: doc.ExpiresAt}, nil
		}
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return nil, &ErrExhaustedCodes{}
}

func (s *MongoStore) GetEntryKey(ctx context.Context, code string) (*model.EntryKey, error) {
	var doc entryKeyDoc
	err := s.entryKeys.FindOne(ctx, bson.M{"_id": code}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &ErrNotFound{Entity: "entry_key", Key: code}
	}
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return entryKeyFromDoc(doc), nil
}

func (s *MongoStore) ClaimEntryKey(ctx context.Context, code, userID string, now time.Time) (*model.EntryKey, error) {
	var existing entryKeyDoc
	if err := s.entryKeys.FindOne(ctx, bson.M{"_id": code}).Decode(&existing); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Entity: "entry_key", Key: code}
		}
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	if existing.ClaimedBy != nil {
		if *existing.ClaimedBy != userID {
			return nil, &ErrConflict{Reason: "entry key already claimed"}
		}
		return entryKeyFromDoc(existing), nil
	}
	if !existing.ExpiresAt.After(now) {
		return nil, &ErrNotFound{Entity: "entry_key", Key: code}
	}

	res := s.entryKeys.FindOneAndUpdate(ctx,
		bson.M{"_id": code, "claimed_by": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"claimed_by": userID, "claimed_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var doc entryKeyDoc
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Lost the race to a concurrent claim; re-read to disambiguate.
			return s.ClaimEntryKey(ctx, code, userID, now)
		}
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return entryKeyFromDoc(doc), nil
}

func (s *MongoStore) DeleteExpiredEntryKeys(ctx context.Context, now time.Time) (int, error) {
	res, err := s.entryKeys.DeleteMany(ctx, bson.M{
		"claimed_by": bson.M{"$exists": false},
		"expires_at": bson.M{"$lt": now},
	})
	if err != nil {
		return 0, &ErrStoreUnavailable{Cause: err}
	}
	return int(res.DeletedCount), nil
}

type weatherDoc struct {
	ID        string    `bson:"_id"`
	Postal    string    `bson:"postal_code"`
	Country   string    `bson:"country"`
	FetchedAt time.Time `bson:"fetched_at"`
	Payload   bson.M    `bson:"payload"`
}

func (s *MongoStore) GetWeather(ctx context.Context, postal, country string) (*model.WeatherCacheEntry, error) {
	var doc weatherDoc
	err := s.weather.FindOne(ctx, bson.M{"_id": key(postal, country)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &ErrNotFound{Entity: "weather", Key: key(postal, country)}
	}
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return &model.WeatherCacheEntry{
		PostalCode: doc.Postal, Country: doc.Country, FetchedAt: doc.FetchedAt,
		Payload: bsonToValue(doc.Payload),
	}, nil
}

func (s *MongoStore) UpsertWeather(ctx context.Context, entry model.WeatherCacheEntry) error {
	doc := weatherDoc{
		ID: key(entry.PostalCode, entry.Country), Postal: entry.PostalCode,
		Country: entry.Country, FetchedAt: entry.FetchedAt, Payload: valueToBSON(entry.Payload),
	}
	_, err := s.weather.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}

type integrationDoc struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	Type      string    `bson:"type"`
	Enabled   bool      `bson:"enabled"`
	Config    bson.M    `bson:"config"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (s *MongoStore) ListEnabledIntegrations(ctx context.Context, integrationType string) ([]model.IntegrationConfig, error) {
	cursor, err := s.integrations.Find(ctx, bson.M{"type": integrationType, "enabled": true})
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	defer cursor.Close(ctx)

	var out []model.IntegrationConfig
	for cursor.Next(ctx) {
		var doc integrationDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, &ErrStoreUnavailable{Cause: err}
		}
		out = append(out, model.IntegrationConfig{
			UserID: doc.UserID, Type: doc.Type, Enabled: doc.Enabled,
			Config: bsonToValue(doc.Config), UpdatedAt: doc.UpdatedAt,
		})
	}
	return out, cursor.Err()
}

func (s *MongoStore) UpsertIntegrationConfig(ctx context.Context, cfg model.IntegrationConfig) error {
	doc := integrationDoc{
		ID: cfg.Key(), UserID: cfg.UserID, Type: cfg.Type, Enabled: cfg.Enabled,
		Config: valueToBSON(cfg.Config), UpdatedAt: time.Now(),
	}
	_, err := s.integrations.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}

type apiKeyDoc struct {
	Hash       string     `bson:"_id"`
	KeyPreview string     `bson:"key_preview"`
	UserID     string     `bson:"user_id"`
	Name       string     `bson:"name"`
	Serials    []string   `bson:"serials"`
	Scopes     []string   `bson:"scopes"`
	CreatedAt  time.Time  `bson:"created_at"`
	LastUsedAt *time.Time `bson:"last_used_at,omitempty"`
}

func (s *MongoStore) ValidateApiKey(ctx context.Context, rawKey string) (*model.AuthContext, error) {
	hash := hashApiKey(rawKey)
	res := s.apiKeys.FindOneAndUpdate(ctx,
		bson.M{"_id": hash},
		bson.M{"$set": bson.M{"last_used_at": time.Now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var doc apiKeyDoc
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Entity: "api_key", Key: hash[:8]}
		}
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return &model.AuthContext{
		UserID: doc.UserID,
		Key: model.ApiKey{
			KeyHash: doc.Hash, KeyPreview: doc.KeyPreview, UserID: doc.UserID, Name: doc.Name,
			Scope: model.ApiKeyScope{Serials: doc.Serials, Scopes: doc.Scopes}, CreatedAt: doc.CreatedAt, LastUsedAt: doc.LastUsedAt,
		},
	}, nil
}

func (s *MongoStore) CreateApiKey(ctx context.Context, rawKey string, k model.ApiKey) error {
	doc := apiKeyDoc{
		Hash: hashApiKey(rawKey), KeyPreview: k.KeyPreview, UserID: k.UserID, Name: k.Name,
		Serials: k.Scope.Serials, Scopes: k.Scope.Scopes, CreatedAt: time.Now(),
	}
	_, err := s.apiKeys.ReplaceOne(ctx, bson.M{"_id": doc.Hash}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}
