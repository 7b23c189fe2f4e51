// Package mongodb implements store.Store on MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/moments-app/backend/internal/models"
	"github.com/moments-app/backend/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	templatesCollection = "achievement_templates"
	recordsCollection   = "user_achievement_progress"
	statsCollection     = "achievement_stats"
)

type Store struct {
	client    *mongo.Client
	templates *mongo.Collection
	records   *mongo.Collection
	stats     *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// Connect dials uri, pings the server and ensures the collection indexes.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("error connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("error pinging MongoDB: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{
		client:    client,
		templates: db.Collection(templatesCollection),
		records:   db.Collection(recordsCollection),
		stats:     db.Collection(statsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	// Template names are unique through their slug.
	_, err := s.templates.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "slug", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "metric", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("error creating template indexes: %w", err)
	}

	// At most one record per (user, template).
	_, err = s.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "template_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "template_id", Value: 1}}},
		{Keys: bson.D{{Key: "last_unlocked_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("error creating record indexes: %w", err)
	}
	return nil
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return store.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err), errors.Is(err, context.DeadlineExceeded):
		return store.Transient(err)
	}
	return err
}

// ── Templates ───────────────────────────────────────────

func (s *Store) CreateTemplate(ctx context.Context, t *models.AchievementTemplate) error {
	if _, err := s.templates.InsertOne(ctx, t); err != nil {
		return fmt.Errorf("insert template: %w", mapErr(err))
	}
	return nil
}

func (s *Store) UpdateTemplate(ctx context.Context, t *models.AchievementTemplate, expectedVersion int) error {
	res, err := s.templates.ReplaceOne(ctx, bson.M{"_id": t.ID, "version": expectedVersion}, t)
	if err != nil {
		return fmt.Errorf("replace template: %w", mapErr(err))
	}
	if res.MatchedCount == 0 {
		return s.missingOrStale(ctx, s.templates, bson.M{"_id": t.ID})
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*models.AchievementTemplate, error) {
	var t models.AchievementTemplate
	if err := s.templates.FindOne(ctx, bson.M{"_id": id}).Decode(&t); err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]models.AchievementTemplate, error) {
	return s.findTemplates(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
}

func (s *Store) ListTemplatesByMetric(ctx context.Context, metric string) ([]models.AchievementTemplate, error) {
	filter := bson.M{"metric": metric, "is_active": true, "status": models.TemplateActive}
	return s.findTemplates(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (s *Store) findTemplates(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.AchievementTemplate, error) {
	cur, err := s.templates.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find templates: %w", mapErr(err))
	}
	var out []models.AchievementTemplate
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode templates: %w", mapErr(err))
	}
	return out, nil
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.templates.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete template: %w", mapErr(err))
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ── Progress Records ────────────────────────────────────

func recordKey(userID, templateID string) bson.M {
	return bson.M{"user_id": userID, "template_id": templateID}
}

func (s *Store) GetRecord(ctx context.Context, userID, templateID string) (*models.UserProgressRecord, error) {
	var r models.UserProgressRecord
	if err := s.records.FindOne(ctx, recordKey(userID, templateID)).Decode(&r); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s *Store) CreateRecord(ctx context.Context, rec *models.UserProgressRecord) error {
	doc := rec.Clone()
	doc.Version = 1
	if _, err := s.records.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert record: %w", mapErr(err))
	}
	rec.Version = 1
	return nil
}

func (s *Store) SaveRecord(ctx context.Context, rec *models.UserProgressRecord, expectedVersion int64) error {
	doc := rec.Clone()
	doc.Version = expectedVersion + 1

	filter := recordKey(rec.UserID, rec.TemplateID)
	filter["version"] = expectedVersion
	res, err := s.records.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return fmt.Errorf("replace record: %w", mapErr(err))
	}
	if res.MatchedCount == 0 {
		return s.missingOrStale(ctx, s.records, recordKey(rec.UserID, rec.TemplateID))
	}
	rec.Version = doc.Version
	return nil
}

func (s *Store) ListUserRecords(ctx context.Context, userID string) ([]models.UserProgressRecord, error) {
	return s.findRecords(ctx, bson.M{"user_id": userID}, options.Find().SetSort(bson.D{{Key: "template_id", Value: 1}}))
}

func (s *Store) ListUnlockedSince(ctx context.Context, since time.Time) ([]models.UserProgressRecord, error) {
	filter := bson.M{"unlock_count": bson.M{"$gt": 0}}
	if !since.IsZero() {
		filter["last_unlocked_at"] = bson.M{"$gte": since}
	}
	return s.findRecords(ctx, filter, options.Find())
}

func (s *Store) findRecords(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.UserProgressRecord, error) {
	cur, err := s.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find records: %w", mapErr(err))
	}
	var out []models.UserProgressRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode records: %w", mapErr(err))
	}
	return out, nil
}

func (s *Store) CountTemplateRecords(ctx context.Context, templateID string) (int64, error) {
	n, err := s.records.CountDocuments(ctx, bson.M{"template_id": templateID})
	if err != nil {
		return 0, fmt.Errorf("count records: %w", mapErr(err))
	}
	return n, nil
}

func (s *Store) DeleteTemplateRecords(ctx context.Context, templateID string) ([]string, error) {
	users, err := distinctStrings(ctx, s.records, "user_id", bson.M{"template_id": templateID})
	if err != nil {
		return nil, err
	}
	if _, err := s.records.DeleteMany(ctx, bson.M{"template_id": templateID}); err != nil {
		return nil, fmt.Errorf("delete records: %w", mapErr(err))
	}
	return users, nil
}

// ── Stats ───────────────────────────────────────────────

// statsKey makes a category or difficulty usable as a field path segment.
var statsKey = strings.NewReplacer(".", "_", "$", "_").Replace

func (s *Store) GetStats(ctx context.Context, userID string) (*models.AggregateStats, error) {
	var st models.AggregateStats
	if err := s.stats.FindOne(ctx, bson.M{"_id": userID}).Decode(&st); err != nil {
		return nil, mapErr(err)
	}
	if st.ByCategory == nil {
		st.ByCategory = map[string]int{}
	}
	if st.ByDifficulty == nil {
		st.ByDifficulty = map[string]int{}
	}
	return &st, nil
}

// ApplyUnlock applies the delta with a single upserting $inc/$push so
// concurrent unlocks never overwrite each other.
func (s *Store) ApplyUnlock(ctx context.Context, userID string, delta models.StatsDelta, recentLimit int) error {
	inc := bson.M{"total_points": delta.Points, "achieved_count": 1}
	if delta.Category != "" {
		inc["by_category."+statsKey(delta.Category)] = 1
	}
	if delta.Difficulty != "" {
		inc["by_difficulty."+statsKey(delta.Difficulty)] = 1
	}
	push := bson.M{"$each": []models.RecentUnlock{delta.Recent}}
	if recentLimit > 0 {
		push["$slice"] = -recentLimit
	}

	update := bson.M{
		"$inc":  inc,
		"$push": bson.M{"recent_unlocks": push},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	_, err := s.stats.UpdateOne(ctx, bson.M{"_id": userID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("apply stats delta: %w", mapErr(err))
	}
	return nil
}

func (s *Store) ReplaceStats(ctx context.Context, st *models.AggregateStats) error {
	byCategory := make(map[string]int, len(st.ByCategory))
	for k, v := range st.ByCategory {
		byCategory[statsKey(k)] = v
	}
	byDifficulty := make(map[string]int, len(st.ByDifficulty))
	for k, v := range st.ByDifficulty {
		byDifficulty[statsKey(k)] = v
	}
	recent := st.RecentUnlocks
	if recent == nil {
		recent = []models.RecentUnlock{}
	}

	update := bson.M{"$set": bson.M{
		"total_points":   st.TotalPoints,
		"achieved_count": st.AchievedCount,
		"by_category":    byCategory,
		"by_difficulty":  byDifficulty,
		"recent_unlocks": recent,
		"updated_at":     st.UpdatedAt,
	}}
	_, err := s.stats.UpdateOne(ctx, bson.M{"_id": st.UserID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace stats: %w", mapErr(err))
	}
	return nil
}

func (s *Store) SetGlobalRank(ctx context.Context, userID string, rank int) error {
	res, err := s.stats.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$set": bson.M{"global_rank": rank}})
	if err != nil {
		return fmt.Errorf("set global rank: %w", mapErr(err))
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListStatsUsers(ctx context.Context) ([]string, error) {
	withStats, err := distinctStrings(ctx, s.stats, "_id", bson.M{})
	if err != nil {
		return nil, err
	}
	withUnlocks, err := distinctStrings(ctx, s.records, "user_id", bson.M{"unlock_count": bson.M{"$gt": 0}})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(withStats)+len(withUnlocks))
	var users []string
	for _, id := range append(withStats, withUnlocks...) {
		if !seen[id] {
			seen[id] = true
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users, nil
}

// ── Helpers ─────────────────────────────────────────────

func (s *Store) missingOrStale(ctx context.Context, coll *mongo.Collection, filter bson.M) error {
	n, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func distinctStrings(ctx context.Context, coll *mongo.Collection, field string, filter bson.M) ([]string, error) {
	values, err := coll.Distinct(ctx, field, filter)
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", field, mapErr(err))
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
