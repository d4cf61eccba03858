package entitlement

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	ent "github.com/dmitrymomot/quotakit/pkg/entitlement"
	mongopkg "github.com/dmitrymomot/quotakit/pkg/mongo"
)

const (
	collDailyCredits = "daily_credits"
	collCreditLogs   = "credit_usage_logs"
	collDailyTrials  = "daily_trials"
	collTrialLogs    = "trial_usage_logs"
	collSubs         = "subscriptions"
)

// MongoStore keeps state in MongoDB without multi-document transactions, so
// it also runs against a standalone server. Counters are changed with
// conditional single-document updates; a spend whose usage log insert loses
// a session race is undone.
type MongoStore struct {
	db    *mongo.Database
	probe func(context.Context) error
	now   func() time.Time
}

type creditsDoc struct {
	UserID string    `bson:"user_id"`
	Day    time.Time `bson:"day"`
	Used   int       `bson:"used"`
	Limit  int       `bson:"limit"`
}

type trialsDoc struct {
	UserID string    `bson:"user_id"`
	Day    time.Time `bson:"day"`
	Used   int       `bson:"used"`
}

type usageDoc struct {
	UserID    string    `bson:"user_id"`
	Feature   string    `bson:"feature"`
	SessionID string    `bson:"session_id,omitempty"`
	Day       time.Time `bson:"day,omitempty"`
	Consumed  int       `bson:"consumed"`
	CreatedAt time.Time `bson:"created_at"`
}

type subscriptionDoc struct {
	UserID    string     `bson:"_id"`
	Status    string     `bson:"status"`
	Tier      string     `bson:"tier"`
	StartedAt time.Time  `bson:"started_at"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
	UpdatedAt time.Time  `bson:"updated_at"`
}

// NewMongoStore wraps db and creates the indexes the store relies on.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.Join(ErrMissingStore, errors.New("nil mongo database"))
	}
	s := &MongoStore{
		db:    db,
		probe: mongopkg.Healthcheck(db.Client()),
		now:   time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, errors.Join(ErrStore, err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	daily := mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "day", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	session := mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "session_id", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"session_id": bson.M{"$type": "string"}}),
	}

	for coll, model := range map[string]mongo.IndexModel{
		collDailyCredits: daily,
		collDailyTrials:  daily,
		collCreditLogs:   session,
		collTrialLogs:    session,
	} {
		if _, err := s.db.Collection(coll).Indexes().CreateOne(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) Credits(ctx context.Context, userID string, day time.Time, limit int) (Credits, error) {
	var doc creditsDoc
	err := s.db.Collection(collDailyCredits).FindOneAndUpdate(ctx,
		bson.M{"user_id": userID, "day": day},
		bson.M{"$setOnInsert": bson.M{"used": 0, "limit": limit}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// Lost a concurrent upsert; the document exists now.
		err = s.db.Collection(collDailyCredits).FindOne(ctx, bson.M{"user_id": userID, "day": day}).Decode(&doc)
	}
	if err != nil {
		return Credits{}, errors.Join(ErrStore, err)
	}
	return doc.credits(), nil
}

func (s *MongoStore) SpendCredit(ctx context.Context, p SpendParams) (SpendResult, error) {
	c, err := s.Credits(ctx, p.UserID, p.Day, p.Limit)
	if err != nil {
		return SpendResult{}, err
	}
	if p.SessionID != "" {
		seen, err := s.sessionSeen(ctx, collCreditLogs, p.UserID, p.SessionID)
		if err != nil {
			return SpendResult{}, err
		}
		if seen {
			return SpendResult{Credits: c, Spent: true, Replayed: true}, nil
		}
	}

	consumed := 0
	if !p.Unmetered {
		var doc creditsDoc
		err := s.db.Collection(collDailyCredits).FindOneAndUpdate(ctx,
			bson.M{
				"user_id": p.UserID,
				"day":     p.Day,
				"$expr":   bson.M{"$lt": bson.A{"$used", "$limit"}},
			},
			bson.M{"$inc": bson.M{"used": 1}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			c, err := s.Credits(ctx, p.UserID, p.Day, p.Limit)
			return SpendResult{Credits: c}, err
		}
		if err != nil {
			return SpendResult{}, errors.Join(ErrStore, err)
		}
		c = doc.credits()
		consumed = 1
	}

	_, err = s.db.Collection(collCreditLogs).InsertOne(ctx, usageDoc{
		UserID:    p.UserID,
		Feature:   p.Feature,
		SessionID: p.SessionID,
		Consumed:  consumed,
		CreatedAt: s.now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		// A concurrent request with the same session logged first.
		if consumed > 0 {
			if err := s.decrement(ctx, collDailyCredits, p.UserID, p.Day); err != nil {
				return SpendResult{}, err
			}
		}
		c, err := s.Credits(ctx, p.UserID, p.Day, p.Limit)
		if err != nil {
			return SpendResult{}, err
		}
		return SpendResult{Credits: c, Spent: true, Replayed: true}, nil
	}
	if err != nil {
		return SpendResult{}, errors.Join(ErrStore, err)
	}
	return SpendResult{Credits: c, Spent: true}, nil
}

func (s *MongoStore) ResetCredits(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.Collection(collDailyCredits).UpdateMany(ctx,
		bson.M{"day": bson.M{"$lt": before}, "used": bson.M{"$gt": 0}},
		bson.M{"$set": bson.M{"used": 0}},
	)
	if err != nil {
		return 0, errors.Join(ErrStore, err)
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) TrialsUsed(ctx context.Context, userID string, day time.Time) (int, error) {
	var doc trialsDoc
	err := s.db.Collection(collDailyTrials).FindOne(ctx, bson.M{"user_id": userID, "day": day}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Join(ErrStore, err)
	}
	return doc.Used, nil
}

func (s *MongoStore) SpendTrial(ctx context.Context, p TrialParams) (TrialResult, error) {
	if p.SessionID != "" {
		seen, err := s.sessionSeen(ctx, collTrialLogs, p.UserID, p.SessionID)
		if err != nil {
			return TrialResult{}, err
		}
		if seen {
			used, err := s.TrialsUsed(ctx, p.UserID, p.Day)
			return TrialResult{Used: used, Granted: true, Replayed: true}, err
		}
	}

	// The upsert inserts a fresh counter for the day; once the counter is at
	// the limit the filter no longer matches and the insert collides with it.
	var doc trialsDoc
	err := s.db.Collection(collDailyTrials).FindOneAndUpdate(ctx,
		bson.M{"user_id": p.UserID, "day": p.Day, "used": bson.M{"$lt": p.Limit}},
		bson.M{"$inc": bson.M{"used": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) || (err == nil && doc.Used > p.Limit) {
		if err == nil {
			// Limit of zero: the upsert created the counter above it.
			if err := s.decrement(ctx, collDailyTrials, p.UserID, p.Day); err != nil {
				return TrialResult{}, err
			}
		}
		used, err := s.TrialsUsed(ctx, p.UserID, p.Day)
		return TrialResult{Used: used}, err
	}
	if err != nil {
		return TrialResult{}, errors.Join(ErrStore, err)
	}

	_, err = s.db.Collection(collTrialLogs).InsertOne(ctx, usageDoc{
		UserID:    p.UserID,
		Feature:   p.Feature,
		SessionID: p.SessionID,
		Day:       p.Day,
		Consumed:  1,
		CreatedAt: s.now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		if err := s.decrement(ctx, collDailyTrials, p.UserID, p.Day); err != nil {
			return TrialResult{}, err
		}
		used, err := s.TrialsUsed(ctx, p.UserID, p.Day)
		return TrialResult{Used: used, Granted: true, Replayed: true}, err
	}
	if err != nil {
		return TrialResult{}, errors.Join(ErrStore, err)
	}
	return TrialResult{Used: doc.Used, Granted: true}, nil
}

func (s *MongoStore) Subscription(ctx context.Context, userID string) (Subscription, error) {
	var doc subscriptionDoc
	err := s.db.Collection(collSubs).FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Subscription{}, ErrSubscriptionNotFound
	}
	if err != nil {
		return Subscription{}, errors.Join(ErrStore, err)
	}
	return Subscription{
		UserID:    doc.UserID,
		Status:    ent.Status(doc.Status),
		Tier:      ent.Tier(doc.Tier),
		StartedAt: doc.StartedAt,
		ExpiresAt: doc.ExpiresAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *MongoStore) SaveSubscription(ctx context.Context, sub Subscription) error {
	doc := subscriptionDoc{
		UserID:    sub.UserID,
		Status:    string(sub.Status),
		Tier:      string(sub.Tier),
		StartedAt: sub.StartedAt.UTC(),
		ExpiresAt: sub.ExpiresAt,
		UpdatedAt: sub.UpdatedAt.UTC(),
	}
	_, err := s.db.Collection(collSubs).ReplaceOne(ctx,
		bson.M{"_id": sub.UserID}, doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return errors.Join(ErrStore, err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.probe(ctx)
}

func (s *MongoStore) sessionSeen(ctx context.Context, coll, userID, sessionID string) (bool, error) {
	n, err := s.db.Collection(coll).CountDocuments(ctx,
		bson.M{"user_id": userID, "session_id": sessionID},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, errors.Join(ErrStore, err)
	}
	return n > 0, nil
}

func (s *MongoStore) decrement(ctx context.Context, coll, userID string, day time.Time) error {
	_, err := s.db.Collection(coll).UpdateOne(ctx,
		bson.M{"user_id": userID, "day": day, "used": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"used": -1}},
	)
	if err != nil {
		return errors.Join(ErrStore, err)
	}
	return nil
}

func (d creditsDoc) credits() Credits {
	return Credits{UserID: d.UserID, Day: d.Day.UTC(), Used: d.Used, Limit: d.Limit}
}
