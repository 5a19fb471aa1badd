package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/whisper/strangers/internal/chat"
	"github.com/whisper/strangers/internal/messaging"
)

// MatchFound is published on match.found.<userId> to each side of a new
// session. The partner stays anonymous.
type MatchFound struct {
	SessionID string `json:"session_id"`
	MatchedAt int64  `json:"matched_at"`
}

// DecodeMatchFound parses a match.found payload.
func DecodeMatchFound(data []byte) (MatchFound, error) {
	var mf MatchFound
	if err := json.Unmarshal(data, &mf); err != nil {
		return MatchFound{}, fmt.Errorf("matching: decode match found: %w", err)
	}
	if mf.SessionID == "" {
		return MatchFound{}, fmt.Errorf("matching: decode match found: missing session_id")
	}
	return mf, nil
}

// publishMatchFound notifies both participants. A failed publish is logged
// only: the session already exists and polling clients find it through
// TryMatch.
func publishMatchFound(ctx context.Context, bus Publisher, sess *chat.Session) {
	data, err := json.Marshal(MatchFound{SessionID: sess.ID, MatchedAt: sess.CreatedAt.UnixMilli()})
	if err != nil {
		log.Printf("[matcher] marshal match found: %v", err)
		return
	}
	for _, uid := range []string{sess.ParticipantA, sess.ParticipantB} {
		if err := bus.Publish(ctx, messaging.MatchFoundSubject(uid), data); err != nil {
			log.Printf("[matcher] publish match.found user=%s: %v", uid, err)
		}
	}
	log.Printf("[matcher] matched session=%s", sess.ID)
}
