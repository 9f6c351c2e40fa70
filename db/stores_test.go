package db

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chorus/realtime/models"
	"chorus/realtime/services"
)

// sqlRecorder keeps every statement gorm builds.
type sqlRecorder struct {
	logger.Interface
	mu         sync.Mutex
	statements []string
}

func (r *sqlRecorder) LogMode(logger.LogLevel) logger.Interface { return r }

func (r *sqlRecorder) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	sql, _ := fc()
	r.mu.Lock()
	r.statements = append(r.statements, sql)
	r.mu.Unlock()
}

func (r *sqlRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statements) == 0 {
		return ""
	}
	return r.statements[len(r.statements)-1]
}

// dryRun builds statements without a database.
func dryRun(t *testing.T) (*Store, *sqlRecorder) {
	t.Helper()
	rec := &sqlRecorder{Interface: logger.Discard}
	gdb, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=chorus dbname=chorus sslmode=disable"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               rec,
	})
	require.NoError(t, err)
	return NewStore(gdb), rec
}

func TestMembershipQueries(t *testing.T) {
	s, rec := dryRun(t)
	ctx := context.Background()

	_, err := s.GetMembership(ctx, "lobby", "alice")
	require.NoError(t, err)
	sql := rec.last()
	assert.Contains(t, sql, "room_members")
	assert.Contains(t, sql, "'lobby'")
	assert.Contains(t, sql, "'alice'")

	require.NoError(t, s.ClearMute(ctx, "lobby", "alice"))
	sql = rec.last()
	assert.True(t, strings.HasPrefix(sql, "UPDATE"), sql)
	assert.Contains(t, sql, "is_muted")
	assert.Contains(t, sql, "muted_until")
}

func TestMessageInsertAssignsID(t *testing.T) {
	s, rec := dryRun(t)

	stored, err := s.CreateMessage(context.Background(), services.NewMessage{
		RoomID:   "lobby",
		SenderID: "alice",
		Type:     "text",
		Content:  "hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Contains(t, rec.last(), "INSERT INTO")
	assert.Contains(t, rec.last(), "'hello'")

	dm, err := s.CreateDirectMessage(context.Background(), services.NewDirectMessage{SenderID: "alice", RecipientID: "bob", Content: "psst"})
	require.NoError(t, err)
	assert.NotEqual(t, stored.ID, dm.ID)
	assert.Contains(t, rec.last(), "direct_messages")
}

func TestSocialQueries(t *testing.T) {
	s, rec := dryRun(t)
	ctx := context.Background()

	_, err := s.GetFollowerIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, rec.last(), "follower_id")
	assert.Contains(t, rec.last(), "followee_id = 'alice'")

	_, err = s.IsBlocked(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Contains(t, rec.last(), "count(*)")
	assert.Contains(t, rec.last(), "blocker_id = 'alice'")
}

func TestRecordLastSeenOnlyMovesForward(t *testing.T) {
	s, rec := dryRun(t)

	require.NoError(t, s.RecordLastSeen(context.Background(), "alice", time.Unix(1700000000, 0).UTC()))
	sql := rec.last()
	assert.Contains(t, sql, "last_seen_at IS NULL OR last_seen_at <")
	assert.Contains(t, sql, "'alice'")
}

func TestRowMapping(t *testing.T) {
	left := time.Unix(100, 0)
	until := time.Unix(200, 0)

	m := toMembership(models.RoomMember{
		RoomID:     "lobby",
		UserID:     "alice",
		Role:       models.RoleModerator,
		LeftAt:     &left,
		IsMuted:    true,
		MutedUntil: &until,
	})
	assert.True(t, m.HasLeft)
	assert.Equal(t, models.RoleModerator, m.Role)
	assert.Equal(t, &until, m.MutedUntil)
	assert.False(t, m.BannedAt(time.Unix(150, 0)))

	p := toProfile(models.User{ID: "alice", DisplayName: "Alice", IsBanned: true})
	assert.Equal(t, "alice", p.UserID)
	assert.True(t, p.IsBanned)

	r := toRoomInfo(models.Room{ID: "lobby", OwnerID: "olga", IsActive: true})
	assert.Equal(t, "olga", r.OwnerID)
}
