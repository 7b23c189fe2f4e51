package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/moments-app/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = body
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func sampleLeaderboard() *models.Leaderboard {
	return &models.Leaderboard{
		Metric:      models.MetricTotalPoints,
		Period:      models.PeriodWeek,
		GeneratedAt: time.Date(2025, time.March, 12, 9, 30, 5, 0, time.UTC),
		Entries:     []models.LeaderboardEntry{{Rank: 1, UserID: "u1", TotalPoints: 40, AchievementCount: 2}},
	}
}

func TestExportLeaderboard(t *testing.T) {
	putter := &fakePutter{objects: map[string][]byte{}, types: map[string]string{}}
	e := NewExporter(putter, "snapshots", "leaderboards")

	require.NoError(t, e.ExportLeaderboard(context.Background(), sampleLeaderboard()))

	latest := "snapshots/leaderboards/total_points/week/latest.json"
	archived := "snapshots/leaderboards/total_points/week/20250312T093005Z.json"
	require.Contains(t, putter.objects, latest)
	require.Contains(t, putter.objects, archived)
	assert.Equal(t, putter.objects[latest], putter.objects[archived])
	assert.Equal(t, "application/json", putter.types[latest])

	var got models.Leaderboard
	require.NoError(t, json.Unmarshal(putter.objects[latest], &got))
	assert.Equal(t, "u1", got.Entries[0].UserID)
}

func TestExportLeaderboardUploadError(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	e := NewExporter(putter, "snapshots", "leaderboards")

	err := e.ExportLeaderboard(context.Background(), sampleLeaderboard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
