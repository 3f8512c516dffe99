package redis

import "github.com/gomodule/redigo/redis"

// ownsLease is prepended to every script that writes on behalf of a lease
// holder. A lease is identified by its leased_at and stalled_count; a
// reclaim bumps stalled_count so a stale holder never matches a new lease.
const ownsLease = `
local function owns(activeKey, jobKey, id, leasedAt, stalled)
  if not redis.call('ZSCORE', activeKey, id) then
    return false
  end
  local cur = redis.call('HMGET', jobKey, 'leased_at', 'stalled_count')
  return cur[1] == leasedAt and cur[2] == stalled
end
`

// KEYS: wait, active
// ARGV: job key prefix, now, lease expiry
var leaseScript = redis.NewScript(2, `
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local key = ARGV[1] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('ZADD', KEYS[2], ARGV[3], id)
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'state', 'active', 'leased_at', ARGV[2], 'lease_expires_at', ARGV[3])
    return redis.call('HGETALL', key)
  end
end
`)

// KEYS: active, job
// ARGV: id, leased_at, stalled_count, lease expiry
var heartbeatScript = redis.NewScript(2, ownsLease+`
if not owns(KEYS[1], KEYS[2], ARGV[1], ARGV[2], ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
redis.call('HSET', KEYS[2], 'lease_expires_at', ARGV[4])
return 1
`)

// KEYS: active, completed or failed, job
// ARGV: id, leased_at, stalled_count, now, state, field, value
var finishScript = redis.NewScript(3, ownsLease+`
if not owns(KEYS[1], KEYS[3], ARGV[1], ARGV[2], ARGV[3]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
redis.call('HSET', KEYS[3], 'state', ARGV[5], 'finished_at', ARGV[4], ARGV[6], ARGV[7])
return 1
`)

// KEYS: active, delayed, job
// ARGV: id, leased_at, stalled_count, run_at, reason
var retryScript = redis.NewScript(3, ownsLease+`
if not owns(KEYS[1], KEYS[3], ARGV[1], ARGV[2], ARGV[3]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'retrying', 'run_at', ARGV[4], 'last_error', ARGV[5])
return 1
`)

// KEYS: delayed, wait
// ARGV: now, limit, job key prefix
var promoteScript = redis.NewScript(2, `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
end
return #ids
`)

// KEYS: active, wait, failed
// ARGV: now, max stalled, limit, job key prefix, stalled reason
// Returns "r:<id>" for reclaimed and "f:<id>" for failed jobs.
var reclaimScript = redis.NewScript(3, `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
local out = {}
for _, id in ipairs(ids) do
  local key = ARGV[4] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('EXISTS', key) == 1 then
    local stalled = redis.call('HINCRBY', key, 'stalled_count', 1)
    if stalled > tonumber(ARGV[2]) then
      redis.call('HSET', key, 'state', 'failed', 'finished_at', ARGV[1], 'last_error', ARGV[5])
      redis.call('ZADD', KEYS[3], ARGV[1], id)
      table.insert(out, 'f:' .. id)
    else
      redis.call('HINCRBY', key, 'attempts', -1)
      redis.call('HSET', key, 'state', 'waiting')
      redis.call('RPUSH', KEYS[2], id)
      table.insert(out, 'r:' .. id)
    end
  end
end
return out
`)

// KEYS: completed or failed
// ARGV: cutoff, limit, job key prefix
var cleanScript = redis.NewScript(1, `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('DEL', ARGV[3] .. id)
end
return #ids
`)

// KEYS: completed or failed
// ARGV: keep, limit, job key prefix
var trimScript = redis.NewScript(1, `
local excess = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[1])
if excess <= 0 then
  return 0
end
local n = math.min(excess, tonumber(ARGV[2]))
local ids = redis.call('ZRANGE', KEYS[1], 0, n - 1)
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('DEL', ARGV[3] .. id)
end
return #ids
`)
