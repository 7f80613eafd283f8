package matchqueue

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Scripts holds Redis Lua server-side scripts.
type Scripts struct {
	put       *redis.Script
	match     *redis.Script
	putMatch  *redis.Script
	enqueue   *redis.Script
	dequeue   *redis.Script
	remove    *redis.Script
	claimPair *redis.Script
	unlease   *redis.Script
}

// LoadScripts hashes the Lua server-side scripts and pre-loads them into Redis.
func LoadScripts(ctx context.Context, r *redis.Client) (*Scripts, error) {
	s := new(Scripts)
	for _, entry := range []struct {
		dst **redis.Script
		src string
	}{
		{&s.put, luaLib + putScript},
		{&s.match, luaLib + matchScript},
		{&s.putMatch, luaLib + putMatchScript},
		{&s.enqueue, luaLib + enqueueScript},
		{&s.dequeue, luaLib + dequeueScript},
		{&s.remove, luaLib + removeScript},
		{&s.claimPair, luaLib + claimPairScript},
		{&s.unlease, unleaseScript},
	} {
		script := redis.NewScript(entry.src)
		if err := script.Load(ctx, r).Err(); err != nil {
			return nil, err
		}
		*entry.dst = script
	}
	return s, nil
}

// luaLib is prepended to the request scripts.
//
// Every script receives the request hash prefix in ARGV[1]
// and the queue list prefix in ARGV[2].
// The "queues" hash field lists the queue keys of a request separated by newlines.
const luaLib = `
local req_prefix = ARGV[1]
local queue_prefix = ARGV[2]

local function field_ok(a, b)
  a = a or ""
  b = b or ""
  return a == "" or b == "" or a == "*" or b == "*" or a == b
end

local function split_queues(s)
  local out = {}
  if s then
    for q in string.gmatch(s, "[^\n]+") do
      table.insert(out, q)
    end
  end
  return out
end

-- Enqueues a connection at the tail of each queue, keeping the membership list current.
local function push_queues(conn, queues)
  local key = req_prefix .. conn
  local current = split_queues(redis.call("HGET", key, "queues"))
  local member = {}
  for _, q in ipairs(current) do member[q] = true end
  for _, q in ipairs(queues) do
    redis.call("LREM", queue_prefix .. q, 0, conn)
    redis.call("RPUSH", queue_prefix .. q, conn)
    if not member[q] then
      member[q] = true
      table.insert(current, q)
    end
  end
  redis.call("HSET", key, "queues", table.concat(current, "\n"))
end

-- Removes a connection from every queue it joined, the index and its hash.
local function drop(key_pending, conn)
  local key = req_prefix .. conn
  for _, q in ipairs(split_queues(redis.call("HGET", key, "queues"))) do
    redis.call("LREM", queue_prefix .. q, 0, conn)
  end
  redis.call("DEL", key)
  redis.call("ZREM", key_pending, conn)
end

-- Replaces the request hash of a connection and indexes it by request time.
local function store_request(key_pending, conn, user, name, contact, cat, diff, at)
  drop(key_pending, conn)
  redis.call("HSET", req_prefix .. conn,
    "conn", conn,
    "user", user,
    "name", name,
    "contact", contact,
    "cat", cat,
    "diff", diff,
    "at", at,
    "queues", "")
  redis.call("ZADD", key_pending, at, conn)
end
`

// putScript replaces the request of a connection.
// Keys:
// 1. Sorted Set pending requests
// Arguments:
// 3. Connection ID
// 4. User ID
// 5. Display name
// 6. Contact info
// 7. Category
// 8. Difficulty
// 9. Request time (unix ms)
// Returns: "ok"
const putScript = `
store_request(KEYS[1], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7], ARGV[8], ARGV[9])
return "ok"
`

// matchScript finds and removes the first compatible peer of a stored request.
// If there is none, the request is enqueued into its own queues.
// Keys:
// 1. Sorted Set pending requests
// 2... List candidate queues in search order
// Arguments:
// 3. Connection ID
// 4. Max entries to scan per queue
// 5. Own queue keys, newline separated
// Returns:
// - {"gone"} if the request no longer exists
// - {"matched", peer hash fields} if a peer was removed together with the request
// - {"searching"} if the request was enqueued
const matchScript = `
local conn = ARGV[3]
if redis.call("EXISTS", req_prefix .. conn) == 0 then
  return {"gone"}
end
` + matchBody

// putMatchScript stores a request and runs matchScript on it in one step.
// Keys: as matchScript
// Arguments:
// 3. Connection ID
// 4. Max entries to scan per queue
// 5. Own queue keys, newline separated
// 6. User ID
// 7. Display name
// 8. Contact info
// 9. Category
// 10. Difficulty
// 11. Request time (unix ms)
// Returns: as matchScript, except for "gone"
const putMatchScript = `
local conn = ARGV[3]
store_request(KEYS[1], conn, ARGV[6], ARGV[7], ARGV[8], ARGV[9], ARGV[10], ARGV[11])
` + matchBody

// matchBody searches the candidate queues for the stored request of conn.
const matchBody = `
local key_pending = KEYS[1]
local limit = tonumber(ARGV[4])
local own = redis.call("HMGET", req_prefix .. conn, "user", "cat", "diff")
local user, cat, diff = own[1], own[2], own[3]
for i = 2, #KEYS do
  local members = redis.call("LRANGE", KEYS[i], 0, limit - 1)
  for _, peer in ipairs(members) do
    if peer ~= conn then
      local p = redis.call("HMGET", req_prefix .. peer, "user", "cat", "diff")
      if not p[1] then
        -- Stale queue entry without request.
        redis.call("LREM", KEYS[i], 0, peer)
      elseif p[1] ~= user and field_ok(cat, p[2]) and field_ok(diff, p[3]) then
        local fields = redis.call("HGETALL", req_prefix .. peer)
        drop(key_pending, peer)
        drop(key_pending, conn)
        return {"matched", fields}
      end
    end
  end
end
push_queues(conn, split_queues(ARGV[5]))
return {"searching"}
`

// enqueueScript adds an existing request to queues.
// Keys:
// 1. Sorted Set pending requests
// Arguments:
// 3. Connection ID
// 4... Queue keys
// Returns: "ok" or "gone"
const enqueueScript = `
local conn = ARGV[3]
if redis.call("EXISTS", req_prefix .. conn) == 0 then
  return "gone"
end
local queues = {}
for i = 4, #ARGV do table.insert(queues, ARGV[i]) end
push_queues(conn, queues)
return "ok"
`

// dequeueScript removes a connection from queues. Absent entries are ignored.
// Keys:
// 1. Sorted Set pending requests
// Arguments:
// 3. Connection ID
// 4... Queue keys
// Returns: "ok"
const dequeueScript = `
local conn = ARGV[3]
local remove = {}
for i = 4, #ARGV do
  remove[ARGV[i]] = true
  redis.call("LREM", queue_prefix .. ARGV[i], 0, conn)
end
local key = req_prefix .. conn
if redis.call("EXISTS", key) == 1 then
  local kept = {}
  for _, q in ipairs(split_queues(redis.call("HGET", key, "queues"))) do
    if not remove[q] then table.insert(kept, q) end
  end
  redis.call("HSET", key, "queues", table.concat(kept, "\n"))
end
return "ok"
`

// removeScript deletes a request and all its queue entries.
// Keys:
// 1. Sorted Set pending requests
// Arguments:
// 3. Connection ID
// 4. Expected request time (unix ms), or empty to remove unconditionally
// Returns:
// - {"gone"} if the request does not exist or was replaced
// - {"removed", hash fields}
const removeScript = `
local conn = ARGV[3]
local key = req_prefix .. conn
local at = redis.call("HGET", key, "at")
if not at then
  return {"gone"}
end
if ARGV[4] ~= "" and ARGV[4] ~= at then
  return {"gone"}
end
local fields = redis.call("HGETALL", key)
drop(KEYS[1], conn)
return {"removed", fields}
`

// claimPairScript removes two requests only if both still exist unchanged.
// Keys:
// 1. Sorted Set pending requests
// Arguments:
// 3. Connection ID A
// 4. Request time A (unix ms)
// 5. Connection ID B
// 6. Request time B (unix ms)
// Returns: "ok" or "gone"
const claimPairScript = `
local at_a = redis.call("HGET", req_prefix .. ARGV[3], "at")
local at_b = redis.call("HGET", req_prefix .. ARGV[5], "at")
if at_a ~= ARGV[4] or at_b ~= ARGV[6] then
  return "gone"
end
drop(KEYS[1], ARGV[3])
drop(KEYS[1], ARGV[5])
return "ok"
`

// unleaseScript releases the worker lease if still owned by the caller.
// Keys:
// 1. String lease
// Arguments:
// 1. Owner
// Returns: 1 if released, 0 otherwise
const unleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
