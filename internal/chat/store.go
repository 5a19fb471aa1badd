package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout for one session:
//
//	chat:<id>          hash   participant_a, participant_b, status, created_at,
//	                          last_ts, seq, save_a, save_b, save_claim, saved
//	chat:<id>:order    zset   message id scored by seq
//	chat:<id>:msgs     hash   message id -> JSON
//	chat:<id>:flags    hash   message id -> flag reason
//	user:session:<uid> string id of the user's active session
const (
	SessionPrefix = "chat:"
	MemberPrefix  = "user:session:"

	orderSuffix = ":order"
	msgsSuffix  = ":msgs"
	flagsSuffix = ":flags"
)

// SessionKey returns the hash key of a session.
func SessionKey(id string) string { return SessionPrefix + id }

// MemberKey returns the key holding a user's active session id.
func MemberKey(userID string) string { return MemberPrefix + userID }

func sessionKeys(id string) []string {
	base := SessionPrefix + id
	return []string{base, base + orderSuffix, base + msgsSuffix, base + flagsSuffix}
}

// StoreConfig holds session lifetimes.
type StoreConfig struct {
	// IdleTTL expires an active session nobody writes to. Refreshed on
	// every message.
	IdleTTL time.Duration

	// Retention is how long a saved session stays readable in Redis after
	// it ends. The archived transcript outlives it.
	Retention time.Duration
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		IdleTTL:   24 * time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

// Store manages session state in Redis. Every state transition that reads
// and then writes runs as a Lua script, so concurrent callers on any node
// see a single order of events.
type Store struct {
	rdb *redis.Client
	cfg StoreConfig

	appendScript  *redis.Script
	flagScript    *redis.Script
	saveScript    *redis.Script
	markScript    *redis.Script
	releaseScript *redis.Script
	endScript     *redis.Script
}

// NewStore creates a new chat store backed by Redis.
func NewStore(rdb *redis.Client, cfg StoreConfig) *Store {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultStoreConfig().IdleTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultStoreConfig().Retention
	}
	return &Store{
		rdb:           rdb,
		cfg:           cfg,
		appendScript:  redis.NewScript(appendLua),
		flagScript:    redis.NewScript(flagLua),
		saveScript:    redis.NewScript(saveLua),
		markScript:    redis.NewScript(markSavedLua),
		releaseScript: redis.NewScript(releaseSaveLua),
		endScript:     redis.NewScript(endLua),
	}
}

// IdleTTL is the lifetime given to new sessions and membership keys.
func (s *Store) IdleTTL() time.Duration { return s.cfg.IdleTTL }

// Create writes a new active session and both membership keys. The matcher
// creates sessions inside its own claim script; Create is for callers that
// already hold both users.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	key := SessionKey(sess.ID)
	ms := sess.CreatedAt.UnixMilli()

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"participant_a": sess.ParticipantA,
		"participant_b": sess.ParticipantB,
		"status":        string(StatusActive),
		"created_at":    ms,
		"last_ts":       ms,
		"seq":           0,
	})
	pipe.PExpire(ctx, key, s.cfg.IdleTTL)
	pipe.Set(ctx, MemberKey(sess.ParticipantA), sess.ID, s.cfg.IdleTTL)
	pipe.Set(ctx, MemberKey(sess.ParticipantB), sess.ID, s.cfg.IdleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chat: create session: %w", err)
	}
	return nil
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	result, err := s.rdb.HGetAll(ctx, SessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: get session: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	createdAt, _ := strconv.ParseInt(result["created_at"], 10, 64)
	sess := &Session{
		ID:           id,
		ParticipantA: result["participant_a"],
		ParticipantB: result["participant_b"],
		Status:       Status(result["status"]),
		CreatedAt:    time.UnixMilli(createdAt),
		SaveAgreement: map[string]bool{
			result["participant_a"]: result["save_a"] == "1",
			result["participant_b"]: result["save_b"] == "1",
		},
		Saved: result["saved"] == "1",
	}
	return sess, nil
}

// ActiveSession returns the id of the user's active session, or "" if none.
// A membership key pointing at a missing or ended session counts as none.
func (s *Store) ActiveSession(ctx context.Context, userID string) (string, error) {
	id, err := s.rdb.Get(ctx, MemberKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("chat: active session: %w", err)
	}

	status, err := s.rdb.HGet(ctx, SessionKey(id), "status").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("chat: active session status: %w", err)
	}
	if status != string(StatusActive) {
		return "", nil
	}
	return id, nil
}

// Append atomically checks the session, assigns the next sequence number
// and a non-decreasing timestamp, and stores the message.
func (s *Store) Append(ctx context.Context, sessionID, senderID, msgID, content string, now time.Time) (*Message, error) {
	res, err := s.appendScript.Run(ctx, s.rdb, sessionKeys(sessionID),
		senderID,
		msgID,
		content,
		now.UnixMilli(),
		MemberPrefix,
		s.cfg.IdleTTL.Milliseconds(),
		sessionID,
	).Int64Slice()
	if err != nil {
		return nil, unavailable("append", err)
	}
	if len(res) != 2 {
		return nil, unavailable("append", fmt.Errorf("unexpected reply %v", res))
	}

	switch res[0] {
	case -1:
		return nil, ErrSessionNotFound
	case -2:
		return nil, ErrSessionEnded
	case -3:
		return nil, ErrNotAParticipant
	}

	return &Message{
		ID:        msgID,
		SessionID: sessionID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.UnixMilli(res[1]),
		Seq:       res[0],
	}, nil
}

// storedMessage is the JSON written by appendLua.
type storedMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	Seq       int64  `json:"seq"`
}

// Messages returns a session's messages ordered by seq, with flag state.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	keys := sessionKeys(sessionID)

	var ids *redis.StringSliceCmd
	var bodies, flags *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		ids = pipe.ZRange(ctx, keys[1], 0, -1)
		bodies = pipe.HGetAll(ctx, keys[2])
		flags = pipe.HGetAll(ctx, keys[3])
		return nil
	})
	if err != nil {
		return nil, unavailable("messages", err)
	}

	body := bodies.Val()
	flagged := flags.Val()
	out := make([]Message, 0, len(ids.Val()))
	for _, id := range ids.Val() {
		raw, ok := body[id]
		if !ok {
			continue
		}
		var sm storedMessage
		if err := json.Unmarshal([]byte(raw), &sm); err != nil {
			return nil, fmt.Errorf("chat: decode message %s: %w", id, err)
		}
		reason, isFlagged := flagged[id]
		out = append(out, Message{
			ID:         sm.ID,
			SessionID:  sm.SessionID,
			SenderID:   sm.SenderID,
			Content:    sm.Content,
			CreatedAt:  time.UnixMilli(sm.CreatedAt),
			Seq:        sm.Seq,
			Flagged:    isFlagged,
			FlagReason: reason,
		})
	}
	return out, nil
}

// Flag marks a message flagged. It returns false when the message is gone
// (session ended and purged) or was already flagged.
func (s *Store) Flag(ctx context.Context, sessionID, msgID, reason string) (bool, error) {
	n, err := s.flagScript.Run(ctx, s.rdb, sessionKeys(sessionID), msgID, reason).Int()
	if err != nil {
		return false, unavailable("flag", err)
	}
	return n == 1, nil
}

// claimTTL is how long a finalize claim blocks other finalizers and
// EndSession. A claim older than this is treated as abandoned.
const claimTTL = 30 * time.Second

// save claim results
const (
	claimPending  = 0 // recorded, waiting on the partner
	claimFinalize = 1 // both agreed; caller must finalize
	claimDone       = 2 // already finalized
	claimRepeat     = 3 // caller had already agreed; nothing changed
	claimFinalizing = 4 // another caller holds a live finalize claim
)

// ClaimSave records userID's agreement. Exactly one caller per session
// receives claimFinalize, until ReleaseSave hands the claim back or the
// claim goes stale.
func (s *Store) ClaimSave(ctx context.Context, sessionID, userID string, now time.Time) (int, error) {
	n, err := s.saveScript.Run(ctx, s.rdb, sessionKeys(sessionID)[:1],
		userID,
		now.UnixMilli(),
		claimTTL.Milliseconds(),
	).Int()
	if err != nil {
		return 0, unavailable("claim save", err)
	}
	switch n {
	case -1:
		return 0, ErrSessionNotFound
	case -2:
		return 0, ErrSessionEnded
	case -3:
		return 0, ErrNotAParticipant
	}
	return n, nil
}

// MarkSaved records that the durable save finished.
func (s *Store) MarkSaved(ctx context.Context, sessionID string) error {
	if err := s.markScript.Run(ctx, s.rdb, sessionKeys(sessionID)[:1]).Err(); err != nil {
		return unavailable("mark saved", err)
	}
	return nil
}

// ReleaseSave drops a finalize claim whose durable write failed, so the
// next RequestSave can retry it.
func (s *Store) ReleaseSave(ctx context.Context, sessionID string) error {
	if err := s.releaseScript.Run(ctx, s.rdb, sessionKeys(sessionID)[:1]).Err(); err != nil {
		return unavailable("release save", err)
	}
	return nil
}

// end results
const (
	endPurged       = 0
	endRetained     = 1
	endAlreadyEnded = 2
)

// End ends a session. Unsaved sessions are deleted together with their
// messages and membership keys in one step; saved sessions are marked ended
// and kept for the retention period.
func (s *Store) End(ctx context.Context, sessionID, requesterID string, now time.Time) (int, error) {
	n, err := s.endScript.Run(ctx, s.rdb, sessionKeys(sessionID),
		requesterID,
		MemberPrefix,
		s.cfg.Retention.Milliseconds(),
		now.UnixMilli(),
		sessionID,
		claimTTL.Milliseconds(),
	).Int()
	if err != nil {
		return 0, unavailable("end", err)
	}
	switch n {
	case -1:
		return 0, ErrSessionNotFound
	case -3:
		return 0, ErrNotAParticipant
	case -4:
		return 0, fmt.Errorf("%w: save is being finalized", ErrUnavailable)
	}
	return n, nil
}

// appendLua validates the sender and session state, then appends.
//
//	KEYS: meta, order, msgs, flags
//	ARGV: sender, msg_id, content, now_ms, member_prefix, idle_ttl_ms, session_id
//
// Returns {seq, ts} or {code, 0} with -1 not found, -2 ended, -3 not a
// participant.
const appendLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return {-1, 0} end

local a = redis.call('HGET', KEYS[1], 'participant_a')
local b = redis.call('HGET', KEYS[1], 'participant_b')
if ARGV[1] ~= a and ARGV[1] ~= b then return {-3, 0} end
if status ~= 'active' then return {-2, 0} end

local seq = redis.call('HINCRBY', KEYS[1], 'seq', 1)
local ts = tonumber(ARGV[4])
local last = tonumber(redis.call('HGET', KEYS[1], 'last_ts') or '0')
if ts < last then ts = last end
redis.call('HSET', KEYS[1], 'last_ts', ts)

local body = cjson.encode({
    id = ARGV[2],
    session_id = ARGV[7],
    sender_id = ARGV[1],
    content = ARGV[3],
    created_at = ts,
    seq = seq
})
redis.call('HSET', KEYS[3], ARGV[2], body)
redis.call('ZADD', KEYS[2], seq, ARGV[2])

local ttl = tonumber(ARGV[6])
for i = 1, 4 do
    redis.call('PEXPIRE', KEYS[i], ttl)
end
redis.call('PEXPIRE', ARGV[5] .. a, ttl)
redis.call('PEXPIRE', ARGV[5] .. b, ttl)

return {seq, ts}
`

// flagLua records a flag once.
//
//	KEYS: meta, order, msgs, flags
//	ARGV: msg_id, reason
const flagLua = `
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 0 then return 0 end
if redis.call('HSETNX', KEYS[4], ARGV[1], ARGV[2]) == 0 then return 0 end

local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then redis.call('PEXPIRE', KEYS[4], ttl) end
return 1
`

// saveLua records one participant's save agreement and hands out the
// finalize claim once both agree.
//
//	KEYS: meta
//	ARGV: user_id, now_ms, claim_ttl_ms
const saveLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end

local field
if ARGV[1] == redis.call('HGET', KEYS[1], 'participant_a') then
    field = 'save_a'
elseif ARGV[1] == redis.call('HGET', KEYS[1], 'participant_b') then
    field = 'save_b'
else
    return -3
end

if redis.call('HGET', KEYS[1], 'saved') == '1' then return 2 end
if status ~= 'active' then return -2 end

local repeated = redis.call('HGET', KEYS[1], field) == '1'
redis.call('HSET', KEYS[1], field, '1')

if redis.call('HGET', KEYS[1], 'save_a') ~= '1' or redis.call('HGET', KEYS[1], 'save_b') ~= '1' then
    if repeated then return 3 end
    return 0
end

local claim = tonumber(redis.call('HGET', KEYS[1], 'save_claim') or '0')
if claim > 0 and tonumber(ARGV[2]) - claim < tonumber(ARGV[3]) then return 4 end
redis.call('HSET', KEYS[1], 'save_claim', ARGV[2])
return 1
`

const markSavedLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('HSET', KEYS[1], 'saved', '1')
end
return 0
`

const releaseSaveLua = `
if redis.call('HGET', KEYS[1], 'saved') ~= '1' then
    redis.call('HDEL', KEYS[1], 'save_claim')
end
return 0
`

// endLua ends a session.
//
//	KEYS: meta, order, msgs, flags
//	ARGV: requester, member_prefix, retention_ms, now_ms, session_id, claim_ttl_ms
//
// Returns 0 purged, 1 ended and retained, 2 already ended, -1 not found,
// -3 not a participant, -4 save finalization in flight.
const endLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end

local a = redis.call('HGET', KEYS[1], 'participant_a')
local b = redis.call('HGET', KEYS[1], 'participant_b')
if ARGV[1] ~= a and ARGV[1] ~= b then return -3 end
if status == 'ended' then return 2 end

local saved = redis.call('HGET', KEYS[1], 'saved') == '1'
if not saved then
    local claim = tonumber(redis.call('HGET', KEYS[1], 'save_claim') or '0')
    if claim > 0 and tonumber(ARGV[4]) - claim < tonumber(ARGV[6]) then return -4 end
end

for _, u in ipairs({a, b}) do
    local mk = ARGV[2] .. u
    if redis.call('GET', mk) == ARGV[5] then
        redis.call('DEL', mk)
    end
end

if saved then
    redis.call('HSET', KEYS[1], 'status', 'ended', 'ended_at', ARGV[4])
    local ttl = tonumber(ARGV[3])
    for i = 1, 4 do
        redis.call('PEXPIRE', KEYS[i], ttl)
    end
    return 1
end

redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
return 0
`
