package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// NoCapacity is returned by ReserveCapacity when the counter is absent
// or exhausted. The script never mutates anything in that case.
const NoCapacity = int64(-1)

// Identifier allocation keeps previously released numbers in a sorted
// set scored by the number itself, so the recycle pool always hands out
// the lowest number first. When the pool is empty the counter advances.
var allocateOrRecycleScript = redis.NewScript(`
local recycled = redis.call('ZRANGE', KEYS[1], 0, 0)
if recycled[1] then
	redis.call('ZREM', KEYS[1], recycled[1])
	return tonumber(recycled[1])
end
return redis.call('INCR', KEYS[2])
`)

// Releasing an id drops its slot-letter set in the same atomic unit, so
// a crash can never strand letters under a recycled number. When the
// released number sits at the top of the counter the counter shrinks
// instead, draining any adjacent pool entries with it.
var releaseIDScript = redis.NewScript(`
local n = tonumber(ARGV[1])
redis.call('ZADD', KEYS[1], n, n)
if KEYS[3] ~= '' then
	redis.call('DEL', KEYS[3])
end
local ctr = tonumber(redis.call('GET', KEYS[2]) or '0')
while ctr > 0 do
	local top = redis.call('ZRANGE', KEYS[1], -1, -1)
	if top[1] == nil or tonumber(top[1]) ~= ctr then
		break
	end
	redis.call('ZREM', KEYS[1], top[1])
	ctr = ctr - 1
end
redis.call('SET', KEYS[2], ctr)
return ctr
`)

// Claiming imports an externally-known id: it leaves the recycle pool
// and any skipped numbers below it become recyclable so allocation
// stays contiguous.
var claimIDScript = redis.NewScript(`
local n = tonumber(ARGV[1])
redis.call('ZREM', KEYS[1], n)
local ctr = tonumber(redis.call('GET', KEYS[2]) or '0')
if n > ctr then
	for i = ctr + 1, n - 1 do
		redis.call('ZADD', KEYS[1], i, i)
	end
	redis.call('SET', KEYS[2], n)
end
return n
`)

var allocateSlotLetterScript = redis.NewScript(`
for i = 0, 25 do
	local letter = string.char(65 + i)
	if redis.call('SISMEMBER', KEYS[1], letter) == 0 then
		redis.call('SADD', KEYS[1], letter)
		return letter
	end
end
return ''
`)

var reserveCapacityScript = redis.NewScript(`
local rem = redis.call('HGET', KEYS[1], ARGV[1])
if not rem then
	return -1
end
rem = tonumber(rem)
if rem <= 0 then
	return -1
end
rem = rem - 1
redis.call('HSET', KEYS[1], ARGV[1], rem)
if rem == 0 then
	redis.call('SREM', KEYS[2], ARGV[1])
end
return rem
`)

var releaseCapacityScript = redis.NewScript(`
local rem = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
if rem > 0 then
	redis.call('SADD', KEYS[2], ARGV[1])
end
return rem
`)

var reassignPlayerSlotScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], ARGV[1])
if prev and prev ~= ARGV[2] then
	redis.call('SREM', ARGV[3] .. prev, ARGV[1])
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[1])
if prev then
	return prev
end
return ''
`)

// AllocateOrRecycle returns the next number for the given pool/counter
// pair: the lowest recycled number when one exists, otherwise the
// incremented counter.
func (s *Store) AllocateOrRecycle(ctx context.Context, poolKey, counterKey string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return allocateOrRecycleScript.Run(ctx, s.rdb, []string{poolKey, counterKey}).Int64()
}

// ReleaseID returns a number to the recycle pool and deletes the
// slot-letter set under it. lettersKey may be empty for id groups that
// have no letter suffixes (proxies).
func (s *Store) ReleaseID(ctx context.Context, poolKey, counterKey, lettersKey string, number int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return releaseIDScript.Run(ctx, s.rdb, []string{poolKey, counterKey, lettersKey}, number).Err()
}

// ClaimID removes a number from the recycle pool without allocating a
// new one, advancing the counter when the number is ahead of it.
func (s *Store) ClaimID(ctx context.Context, poolKey, counterKey string, number int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return claimIDScript.Run(ctx, s.rdb, []string{poolKey, counterKey}, number).Err()
}

// AllocateSlotLetter hands out the lowest unused uppercase letter for a
// base id; the empty string means all 26 letters are in use.
func (s *Store) AllocateSlotLetter(ctx context.Context, lettersKey string) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return allocateSlotLetterScript.Run(ctx, s.rdb, []string{lettersKey}).Text()
}

// ReleaseSlotLetter frees a single letter under a base id.
func (s *Store) ReleaseSlotLetter(ctx context.Context, lettersKey, letter string) error {
	return s.SRem(ctx, lettersKey, letter)
}

// ReserveCapacity atomically consumes one unit of (server, family)
// capacity. It returns the new remaining count, or NoCapacity when the
// counter is missing or already zero. Reaching zero removes the server
// from the family's advertiser set in the same unit.
func (s *Store) ReserveCapacity(ctx context.Context, capacityKey, advertisersKey, serverID string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return reserveCapacityScript.Run(ctx, s.rdb, []string{capacityKey, advertisersKey}, serverID).Int64()
}

// ReleaseCapacity atomically returns one unit of capacity and re-adds
// the server to the advertiser set when the counter becomes positive.
func (s *Store) ReleaseCapacity(ctx context.Context, capacityKey, advertisersKey, serverID string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return releaseCapacityScript.Run(ctx, s.rdb, []string{capacityKey, advertisersKey}, serverID).Int64()
}

// ReassignPlayerSlot moves a player onto a slot: updates the
// player-to-slot map, drops the player from the previous slot's member
// set, and adds them to the new one. Returns the previous slot id, or
// the empty string for a first placement.
func (s *Store) ReassignPlayerSlot(ctx context.Context, activeMapKey, newSlotSetKey, playerID, slotID, oldSlotSetPrefix string) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return reassignPlayerSlotScript.Run(ctx, s.rdb, []string{activeMapKey, newSlotSetKey}, playerID, slotID, oldSlotSetPrefix).Text()
}
