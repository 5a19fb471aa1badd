package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/whisper/strangers/internal/chat"
)

const (
	// Redis key patterns for the waiting pool.
	keyMatchQueue  = "match:queue"  // Sorted set, score = insertion seq
	keyMatchSeq    = "match:seq"    // Counter behind Seq
	keyEntryPrefix = "match:entry:" // + <user_id> -> Hash, expires unless refreshed
)

// WaitingEntry is one user in the waiting pool. Seq is assigned by Redis at
// insertion and breaks ties between equal EnqueuedAt times.
type WaitingEntry struct {
	UserID     string
	EnqueuedAt time.Time
	Seq        int64
}

// Pairing is the outcome of a successful claim.
type Pairing struct {
	Partner        string
	RequesterSince time.Time
	PartnerSince   time.Time
}

// enqueueLua refuses users in an active session or already waiting.
//
// KEYS[1] queue, KEYS[2] seq, KEYS[3] entry, KEYS[4] membership
// ARGV[1] user, ARGV[2] now ms, ARGV[3] entry ttl ms, ARGV[4] session prefix
const enqueueLua = `
local sid = redis.call('GET', KEYS[4])
if sid and redis.call('HGET', ARGV[4] .. sid, 'status') == 'active' then
	return {-2, 0}
end
if redis.call('EXISTS', KEYS[3]) == 1 then
	return {-1, 0}
end
local seq = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[3], 'user_id', ARGV[1], 'enqueued_at', ARGV[2], 'seq', seq)
redis.call('PEXPIRE', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[1], seq, ARGV[1])
return {seq, tonumber(ARGV[2])}
`

// claimLua pairs the requester with the oldest other live entry. Stale
// members and members that meanwhile joined a session are dropped on the
// way. Both entries leave the pool and the session with both membership
// keys is created in the same script.
//
// KEYS[1] queue, KEYS[2] requester entry
// ARGV[1] requester, ARGV[2] session id, ARGV[3] now ms, ARGV[4] entry prefix,
// ARGV[5] membership prefix, ARGV[6] session prefix, ARGV[7] idle ttl ms,
// ARGV[8] scan limit
const claimLua = `
local mine = redis.call('HGET', KEYS[2], 'enqueued_at')
if not mine then
	return {-1}
end
local candidates = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[8]) - 1)
for _, cand in ipairs(candidates) do
	if cand ~= ARGV[1] then
		local ekey = ARGV[4] .. cand
		local theirs = redis.call('HGET', ekey, 'enqueued_at')
		if not theirs then
			redis.call('ZREM', KEYS[1], cand)
		else
			local sid = redis.call('GET', ARGV[5] .. cand)
			if sid and redis.call('HGET', ARGV[6] .. sid, 'status') == 'active' then
				redis.call('ZREM', KEYS[1], cand)
				redis.call('DEL', ekey)
			else
				redis.call('ZREM', KEYS[1], ARGV[1], cand)
				redis.call('DEL', KEYS[2], ekey)
				local skey = ARGV[6] .. ARGV[2]
				redis.call('HSET', skey,
					'participant_a', cand,
					'participant_b', ARGV[1],
					'status', 'active',
					'created_at', ARGV[3],
					'last_ts', ARGV[3],
					'seq', 0)
				redis.call('PEXPIRE', skey, ARGV[7])
				redis.call('SET', ARGV[5] .. ARGV[1], ARGV[2], 'PX', ARGV[7])
				redis.call('SET', ARGV[5] .. cand, ARGV[2], 'PX', ARGV[7])
				return {1, cand, mine, theirs}
			end
		end
	end
end
return {0}
`

// cancelLua removes the entry and its queue member.
//
// KEYS[1] queue, KEYS[2] entry; ARGV[1] user
const cancelLua = `
redis.call('ZREM', KEYS[1], ARGV[1])
return redis.call('DEL', KEYS[2])
`

// heartbeatLua extends a live entry. A missing entry is not recreated.
//
// KEYS[1] entry; ARGV[1] entry ttl ms
const heartbeatLua = `
return redis.call('PEXPIRE', KEYS[1], ARGV[1])
`

// sweepLua drops queue members whose entry expired.
//
// KEYS[1] queue; ARGV[1] entry prefix, ARGV[2] limit
const sweepLua = `
local members = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[2]) - 1)
local removed = 0
for _, m in ipairs(members) do
	if redis.call('EXISTS', ARGV[1] .. m) == 0 then
		redis.call('ZREM', KEYS[1], m)
		removed = removed + 1
	end
end
return removed
`

// Queue manages the Redis data structures of the waiting pool.
type Queue struct {
	rdb       *redis.Client
	entryTTL  time.Duration
	scanLimit int

	enqueueScript   *redis.Script
	claimScript     *redis.Script
	cancelScript    *redis.Script
	heartbeatScript *redis.Script
	sweepScript     *redis.Script
}

// NewQueue creates a new waiting pool backed by Redis.
func NewQueue(rdb *redis.Client, entryTTL time.Duration, scanLimit int) *Queue {
	return &Queue{
		rdb:             rdb,
		entryTTL:        entryTTL,
		scanLimit:       scanLimit,
		enqueueScript:   redis.NewScript(enqueueLua),
		claimScript:     redis.NewScript(claimLua),
		cancelScript:    redis.NewScript(cancelLua),
		heartbeatScript: redis.NewScript(heartbeatLua),
		sweepScript:     redis.NewScript(sweepLua),
	}
}

func entryKey(userID string) string { return keyEntryPrefix + userID }

// Enqueue adds userID to the pool.
func (q *Queue) Enqueue(ctx context.Context, userID string, now time.Time) (*WaitingEntry, error) {
	res, err := q.enqueueScript.Run(ctx, q.rdb,
		[]string{keyMatchQueue, keyMatchSeq, entryKey(userID), chat.MemberKey(userID)},
		userID,
		now.UnixMilli(),
		q.entryTTL.Milliseconds(),
		chat.SessionPrefix,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("matching: enqueue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("matching: enqueue: unexpected reply %v", res)
	}

	switch res[0] {
	case -1:
		return nil, ErrAlreadyWaiting
	case -2:
		return nil, ErrAlreadyInSession
	}
	return &WaitingEntry{UserID: userID, EnqueuedAt: time.UnixMilli(res[1]), Seq: res[0]}, nil
}

// Claim pairs userID with the oldest other waiting user and creates the
// session sessionID for both. It returns nil when nobody else is waiting
// and ErrNotWaiting when userID has no live entry.
func (q *Queue) Claim(ctx context.Context, userID, sessionID string, now time.Time, idleTTL time.Duration) (*Pairing, error) {
	res, err := q.claimScript.Run(ctx, q.rdb,
		[]string{keyMatchQueue, entryKey(userID)},
		userID,
		sessionID,
		now.UnixMilli(),
		keyEntryPrefix,
		chat.MemberPrefix,
		chat.SessionPrefix,
		idleTTL.Milliseconds(),
		q.scanLimit,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("matching: claim: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("matching: claim: empty reply")
	}

	code, _ := res[0].(int64)
	switch code {
	case -1:
		return nil, ErrNotWaiting
	case 0:
		return nil, nil
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("matching: claim: unexpected reply %v", res)
	}

	partner, _ := res[1].(string)
	return &Pairing{
		Partner:        partner,
		RequesterSince: parseMillis(res[2]),
		PartnerSince:   parseMillis(res[3]),
	}, nil
}

func parseMillis(v interface{}) time.Time {
	s, _ := v.(string)
	ms, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMilli(ms)
}

// Cancel removes userID from the pool. Reports whether an entry existed.
func (q *Queue) Cancel(ctx context.Context, userID string) (bool, error) {
	n, err := q.cancelScript.Run(ctx, q.rdb, []string{keyMatchQueue, entryKey(userID)}, userID).Int()
	if err != nil {
		return false, fmt.Errorf("matching: cancel: %w", err)
	}
	return n > 0, nil
}

// Heartbeat extends the entry's lifetime. Reports whether it was still live.
func (q *Queue) Heartbeat(ctx context.Context, userID string) (bool, error) {
	n, err := q.heartbeatScript.Run(ctx, q.rdb, []string{entryKey(userID)}, q.entryTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("matching: heartbeat: %w", err)
	}
	return n == 1, nil
}

// Entry returns the live entry of userID, or nil.
func (q *Queue) Entry(ctx context.Context, userID string) (*WaitingEntry, error) {
	result, err := q.rdb.HGetAll(ctx, entryKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: get entry: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	enqueuedAt, _ := strconv.ParseInt(result["enqueued_at"], 10, 64)
	seq, _ := strconv.ParseInt(result["seq"], 10, 64)
	return &WaitingEntry{UserID: userID, EnqueuedAt: time.UnixMilli(enqueuedAt), Seq: seq}, nil
}

// Oldest returns up to n waiting user ids in FIFO order. Members whose entry
// expired may still be listed until the next sweep.
func (q *Queue) Oldest(ctx context.Context, n int64) ([]string, error) {
	ids, err := q.rdb.ZRange(ctx, keyMatchQueue, 0, n-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("matching: list queue: %w", err)
	}
	return ids, nil
}

// Size returns the number of queue members.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, keyMatchQueue).Result()
}

// Sweep removes up to limit members whose entries expired.
func (q *Queue) Sweep(ctx context.Context, limit int) (int, error) {
	n, err := q.sweepScript.Run(ctx, q.rdb, []string{keyMatchQueue}, keyEntryPrefix, limit).Int()
	if err != nil {
		return 0, fmt.Errorf("matching: sweep: %w", err)
	}
	return n, nil
}
