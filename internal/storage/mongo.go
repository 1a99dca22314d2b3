// Package storage contains the MongoDB implementation of the Store interface.
// Users and organizations are documents keyed by email and organization name.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/model"
)

// Mongo implements Store on MongoDB. Nonces carry a TTL index so expired
// challenges are also removed by the server itself.
type Mongo struct {
	client        *mongo.Client
	nonces        *mongo.Collection
	users         *mongo.Collection
	organizations *mongo.Collection
	bindings      *mongo.Collection
}

// nonceDoc keys a nonce by its value so a replayed insert fails with 11000.
type nonceDoc struct {
	Value     string    `bson:"_id"`
	Host      string    `bson:"host"`
	CreatedAt time.Time `bson:"createdAt"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// JSON-valued members are stored as strings to keep nested objects as maps
// on the way back out.
type userDoc struct {
	Email                 string     `bson:"_id"`
	PasswordHash          string     `bson:"passwordHash"`
	Organization          string     `bson:"organization"`
	Status                string     `bson:"status"`
	WalletKeyThumbprint   string     `bson:"walletKeyThumbprint"`
	WalletAttestationJTI  string     `bson:"walletAttestationJti"`
	WalletConfirmationKey string     `bson:"walletConfirmationKey,omitempty"`
	AttestationIssuedAt   *time.Time `bson:"attestationIssuedAt,omitempty"`
}

// organizationDoc holds one organization profile, keyed by organization name.
type organizationDoc struct {
	Organization string    `bson:"_id"`
	Active       bool      `bson:"active"`
	ProfileID    string    `bson:"profileId"`
	Profile      string    `bson:"profile"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

// bindingDoc is one entry of the append-only wallet binding log.
type bindingDoc struct {
	Email         string    `bson:"email"`
	JTI           string    `bson:"jti"`
	Thumbprint    string    `bson:"thumbprint"`
	BoundAt       time.Time `bson:"boundAt"`
	Conflict      bool      `bson:"conflict"`
	CorrelationID string    `bson:"correlationId"`
}

// NewMongo connects to MongoDB, pings the primary and ensures indexes.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	// Connect is lazy; ping so a bad URI fails here rather than on first use
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	m := NewMongoFromDatabase(client.Database(database))
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

// NewMongoFromDatabase wraps a database handle whose client is already
// connected. Indexes are left alone.
func NewMongoFromDatabase(db *mongo.Database) *Mongo {
	return &Mongo{
		client:        db.Client(),
		nonces:        db.Collection("nonces"),
		users:         db.Collection("users"),
		organizations: db.Collection("organizations"),
		bindings:      db.Collection("wallet_bindings"),
	}
}

// ensureIndexes creates the nonce TTL index and the binding log index.
// CreateOne is idempotent for an identical index.
func (m *Mongo) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := m.nonces.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		// Expire at expiresAt itself
		Options: options.Index().SetExpireAfterSeconds(0),
	}); err != nil {
		return fmt.Errorf("nonce ttl index: %w", err)
	}
	if _, err := m.bindings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "email", Value: 1}, {Key: "boundAt", Value: 1}},
	}); err != nil {
		return fmt.Errorf("binding index: %w", err)
	}
	return nil
}

// Ping checks database connectivity for the readiness endpoint.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// PutNonce stores a freshly issued nonce. A duplicate value is ErrConflict.
func (m *Mongo) PutNonce(ctx context.Context, nonce model.Nonce) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := m.nonces.InsertOne(ctx, nonceDoc{Value: nonce.Value, Host: nonce.Host, CreatedAt: nonce.CreatedAt, ExpiresAt: nonce.ExpiresAt})
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}
	return nil
}

// ConsumeNonce relies on FindOneAndDelete being atomic for a single document.
func (m *Mongo) ConsumeNonce(ctx context.Context, value string, now time.Time) (model.Nonce, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var doc nonceDoc
	// Expired nonces are left for the TTL monitor and the cleanup job
	err := m.nonces.FindOneAndDelete(ctx, bson.M{"_id": value, "expiresAt": bson.M{"$gt": now}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Nonce{}, ErrNotFound
	}
	if err != nil {
		return model.Nonce{}, fmt.Errorf("consume nonce: %w", err)
	}
	return model.Nonce{Value: doc.Value, Host: doc.Host, CreatedAt: doc.CreatedAt.UTC(), ExpiresAt: doc.ExpiresAt.UTC()}, nil
}

// CleanupExpired removes nonces the TTL monitor has not reached yet.
func (m *Mongo) CleanupExpired(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := m.nonces.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lte": now}}); err != nil {
		return fmt.Errorf("cleanup nonces: %w", err)
	}
	return nil
}

// VerifyCredentials returns the user's organization. Unknown users and wrong
// passwords both yield ErrInvalidCredentials.
func (m *Mongo) VerifyCredentials(ctx context.Context, email, password string) (string, error) {
	user, err := m.GetUser(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if !CheckPassword(user.PasswordHash, password) {
		return "", ErrInvalidCredentials
	}
	return user.Organization, nil
}

// GetUser loads a user by email.
func (m *Mongo) GetUser(ctx context.Context, email string) (model.UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var doc userDoc
	err := m.users.FindOne(ctx, bson.M{"_id": email}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.UserRecord{}, ErrNotFound
	}
	if err != nil {
		return model.UserRecord{}, fmt.Errorf("query user: %w", err)
	}

	user := model.UserRecord{
		Email:                doc.Email,
		PasswordHash:         doc.PasswordHash,
		Organization:         doc.Organization,
		Status:               model.AccountStatus(doc.Status),
		WalletKeyThumbprint:  doc.WalletKeyThumbprint,
		WalletAttestationJTI: doc.WalletAttestationJTI,
	}
	if doc.WalletConfirmationKey != "" {
		if err := json.Unmarshal([]byte(doc.WalletConfirmationKey), &user.WalletConfirmationKey); err != nil {
			return model.UserRecord{}, fmt.Errorf("unmarshal confirmation key: %w", err)
		}
	}
	if doc.AttestationIssuedAt != nil {
		user.AttestationIssuedAt = doc.AttestationIssuedAt.UTC()
	}
	return user, nil
}

// PutUser inserts or replaces the user document.
func (m *Mongo) PutUser(ctx context.Context, user model.UserRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	doc := userDoc{
		Email:                user.Email,
		PasswordHash:         user.PasswordHash,
		Organization:         user.Organization,
		Status:               string(user.Status),
		WalletKeyThumbprint:  user.WalletKeyThumbprint,
		WalletAttestationJTI: user.WalletAttestationJTI,
	}
	// New accounts start active
	if doc.Status == "" {
		doc.Status = string(model.AccountActive)
	}
	if user.WalletConfirmationKey != nil {
		raw, err := json.Marshal(user.WalletConfirmationKey)
		if err != nil {
			return fmt.Errorf("marshal confirmation key: %w", err)
		}
		doc.WalletConfirmationKey = string(raw)
	}
	if !user.AttestationIssuedAt.IsZero() {
		issuedAt := user.AttestationIssuedAt
		doc.AttestationIssuedAt = &issuedAt
	}

	_, err := m.users.ReplaceOne(ctx, bson.M{"_id": user.Email}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetOrganizationConfig loads an organization profile by name.
func (m *Mongo) GetOrganizationConfig(ctx context.Context, organization string) (model.OrganizationConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var doc organizationDoc
	err := m.organizations.FindOne(ctx, bson.M{"_id": organization}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.OrganizationConfig{}, ErrNotFound
	}
	if err != nil {
		return model.OrganizationConfig{}, fmt.Errorf("query organization: %w", err)
	}
	cfg := model.OrganizationConfig{
		Organization: doc.Organization,
		Active:       doc.Active,
		ProfileID:    doc.ProfileID,
		UpdatedAt:    doc.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(doc.Profile), &cfg.Profile); err != nil {
		return model.OrganizationConfig{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return cfg, nil
}

// PutOrganizationConfig inserts or replaces an organization profile.
func (m *Mongo) PutOrganizationConfig(ctx context.Context, cfg model.OrganizationConfig) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	profile, err := json.Marshal(cfg.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	doc := organizationDoc{
		Organization: cfg.Organization,
		Active:       cfg.Active,
		ProfileID:    cfg.ProfileID,
		Profile:      string(profile),
		UpdatedAt:    cfg.UpdatedAt,
	}
	if _, err := m.organizations.ReplaceOne(ctx, bson.M{"_id": cfg.Organization}, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert organization: %w", err)
	}
	return nil
}

// AppendBinding adds an entry to the binding log.
func (m *Mongo) AppendBinding(ctx context.Context, entry model.BindingLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := m.bindings.InsertOne(ctx, bindingDoc{
		Email:         entry.Email,
		JTI:           entry.JTI,
		Thumbprint:    entry.Thumbprint,
		BoundAt:       entry.BoundAt,
		Conflict:      entry.Conflict,
		CorrelationID: entry.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("insert binding: %w", err)
	}
	return nil
}

// ListBindings returns the binding log for email, oldest first.
func (m *Mongo) ListBindings(ctx context.Context, email string) ([]model.BindingLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cursor, err := m.bindings.Find(ctx, bson.M{"email": email}, options.Find().SetSort(bson.D{{Key: "boundAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []model.BindingLogEntry
	for cursor.Next(ctx) {
		var doc bindingDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode binding: %w", err)
		}
		entries = append(entries, model.BindingLogEntry{
			Email:         doc.Email,
			JTI:           doc.JTI,
			Thumbprint:    doc.Thumbprint,
			BoundAt:       doc.BoundAt.UTC(),
			Conflict:      doc.Conflict,
			CorrelationID: doc.CorrelationID,
		})
	}
	return entries, cursor.Err()
}
