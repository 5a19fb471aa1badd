//go:build integration

package records_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/strangers/internal/records"
	"github.com/whisper/strangers/internal/testhelpers"
)

func TestStore_Integration(t *testing.T) {
	db := testhelpers.Postgres(t)
	s := records.NewStore(db)
	ctx := context.Background()

	t.Run("save connection is idempotent under concurrency", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.SaveConnection(ctx, "sess-1", "alice", "bob"))
			}()
		}
		wg.Wait()

		var n int
		require.NoError(t, db.GetContext(ctx, &n, `SELECT COUNT(*) FROM saved_connections WHERE session_id = 'sess-1'`))
		assert.Equal(t, 2, n)

		conns, err := s.Connections(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, conns, 1)
		assert.Equal(t, "alice", conns[0].PartnerID)
	})

	t.Run("transcript visible to saved participants only", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		msgs := []records.TranscriptMessage{
			{SessionID: "sess-1", Seq: 1, MessageID: "m1", SenderID: "alice", Content: "hi", CreatedAt: now},
			{SessionID: "sess-1", Seq: 2, MessageID: "m2", SenderID: "bob", Content: "hey", CreatedAt: now},
		}
		require.NoError(t, s.ArchiveTranscript(ctx, msgs))

		msgs[1].Flagged, msgs[1].FlagReason = true, "harassment"
		require.NoError(t, s.ArchiveTranscript(ctx, msgs), "re-archive updates flags")

		got, err := s.Transcript(ctx, "sess-1", "alice")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "hi", got[0].Content)
		assert.True(t, got[1].Flagged)
		assert.Equal(t, "harassment", got[1].FlagReason)

		_, err = s.Transcript(ctx, "sess-1", "mallory")
		assert.ErrorIs(t, err, records.ErrNotFound)
	})

	t.Run("appeal lifecycle", func(t *testing.T) {
		require.NoError(t, s.RecordFlag(ctx, records.FlaggedContent{
			UserID: "carol", SessionID: "sess-2", Content: "***", Reason: "kys", Source: records.SourceFilter,
		}))
		assert.Error(t, s.RecordFlag(ctx, records.FlaggedContent{UserID: "carol", Source: "bogus"}))

		a, err := s.CreateAppeal(ctx, records.Appeal{
			UserID: "carol",
			Email:  "carol@example.com",
			Text:   "I was banned for a joke between friends, please review.",
		})
		require.NoError(t, err)
		assert.Equal(t, records.AppealPending, a.Status)
		assert.False(t, a.CreatedAt.IsZero())

		got, err := s.GetAppeal(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, got.FlaggedMessages, 1)
		assert.Equal(t, "kys", got.FlaggedMessages[0].Reason)

		pending, err := s.ListAppeals(ctx, records.AppealPending)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		require.NoError(t, s.ResolveAppeal(ctx, a.ID, records.AppealApproved))
		assert.ErrorIs(t, s.ResolveAppeal(ctx, a.ID, records.AppealRejected), records.ErrAppealResolved)
		assert.ErrorIs(t, s.ResolveAppeal(ctx, a.ID, "maybe"), records.ErrInvalidStatus)
		assert.ErrorIs(t, s.ResolveAppeal(ctx, "00000000-0000-0000-0000-000000000000", records.AppealRejected), records.ErrNotFound)

		_, err = s.CreateAppeal(ctx, records.Appeal{UserID: "carol", Text: "short"})
		assert.ErrorIs(t, err, records.ErrAppealTooShort)
	})
}
