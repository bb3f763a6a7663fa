package queue

import redis "github.com/redis/go-redis/v9"

// dequeueScript moves the oldest waiting id into the active list, skipping ids whose
// job hash has been removed, and stamps the lease.
// KEYS: wait, active, leases. ARGV: job key prefix, lease expiry (unix ms).
var dequeueScript = redis.NewScript(`
while true do
	local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
	if not id then
		return false
	end
	local key = ARGV[1] .. id
	if redis.call('EXISTS', key) == 1 then
		local attempts = redis.call('HINCRBY', key, 'attempts', 1)
		redis.call('HSET', key, 'state', 'active')
		redis.call('ZADD', KEYS[3], ARGV[2], id)
		local fields = redis.call('HMGET', key, 'data', 'max_attempts', 'enqueued_at')
		return {id, fields[1] or '', attempts, fields[2] or '1', fields[3] or '0'}
	end
	redis.call('LREM', KEYS[2], 0, id)
end
`)

// failScript records an error and either requeues the job or parks it in the failed list.
// Returns 1 when requeued, 0 when parked, -1 when the job vanished, -2 when it is no longer active.
// KEYS: active, leases, wait, failed, job. ARGV: id, error, now (unix ms), "1" to skip retries.
var failScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[5]) == 0 then
	redis.call('LREM', KEYS[1], 0, ARGV[1])
	redis.call('ZREM', KEYS[2], ARGV[1])
	return -1
end
if redis.call('HGET', KEYS[5], 'state') ~= 'active' then
	return -2
end
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
local attempts = tonumber(redis.call('HGET', KEYS[5], 'attempts') or '0')
local max = tonumber(redis.call('HGET', KEYS[5], 'max_attempts') or '1')
redis.call('HSET', KEYS[5], 'last_error', ARGV[2])
if ARGV[4] ~= '1' and attempts < max then
	redis.call('HSET', KEYS[5], 'state', 'waiting')
	redis.call('LPUSH', KEYS[3], ARGV[1])
	return 1
end
redis.call('HSET', KEYS[5], 'state', 'failed')
redis.call('HSET', KEYS[5], 'failed_at', ARGV[3])
redis.call('LPUSH', KEYS[4], ARGV[1])
return 0
`)

// releaseScript hands an active job back to the head of the wait list without
// consuming an attempt. Returns 1 on release, 0 when the lease was already reclaimed,
// -1 when the job vanished.
// KEYS: active, leases, wait, job. ARGV: id.
var releaseScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
local removed = redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('EXISTS', KEYS[4]) == 0 then
	return -1
end
if removed == 0 then
	return 0
end
redis.call('HINCRBY', KEYS[4], 'attempts', -1)
redis.call('HSET', KEYS[4], 'state', 'waiting')
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// extendScript renews a lease only while it is still held.
// KEYS: leases. ARGV: id, new expiry (unix ms).
var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// retryScript moves a parked job back to the wait list with a fresh attempt budget.
// KEYS: failed, wait, job. ARGV: id.
var retryScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
	return 0
end
if redis.call('EXISTS', KEYS[3]) == 0 then
	return 0
end
redis.call('HSET', KEYS[3], 'attempts', 0)
redis.call('HSET', KEYS[3], 'state', 'waiting')
redis.call('HDEL', KEYS[3], 'failed_at')
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)
