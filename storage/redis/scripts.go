package redis

import goredis "github.com/redis/go-redis/v9"

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Codes and tokens are hashes. "data" holds the (optionally sealed) JSON
// payload and is never touched by the scripts. The remaining fields are plain
// state: consumed/consumed_at for codes, type/grant_id/revoked/revoked_at for
// tokens, expires_at for both. Times are unix milliseconds.
//
// revokeLineage builds token keys from ARGV, so a lineage must live on one
// shard. Cluster deployments need a single-slot key prefix such as "{oidc}:".

// consumeCodeScript marks a code consumed.
//
// KEYS[1] = code key
// ARGV[1] = now (ms), ARGV[2] = clock skew grace (ms)
//
// Returns {"NOT_FOUND"}, {"EXPIRED"}, {"USED", data, consumed_at} or
// {"OK", data, consumed_at}.
var consumeCodeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {'NOT_FOUND'}
end

local data = redis.call('HGET', KEYS[1], 'data')
if redis.call('HGET', KEYS[1], 'consumed') == '1' then
    return {'USED', data, redis.call('HGET', KEYS[1], 'consumed_at')}
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if expiresAt and now > expiresAt + tonumber(ARGV[2]) then
    return {'EXPIRED'}
end

redis.call('HSET', KEYS[1], 'consumed', '1', 'consumed_at', ARGV[1])
return {'OK', data, ARGV[1]}
`)

// saveTokenScript stores a token and adds it to its lineage index, extending
// the index TTL to cover the longest-lived member. A token saved into a
// revoked lineage is stored revoked.
//
// KEYS[1] = token key, KEYS[2] = grant index key, KEYS[3] = revoked lineage marker
// ARGV[1] = data, ARGV[2] = type, ARGV[3] = grant id, ARGV[4] = expires_at,
// ARGV[5] = ttl (ms), ARGV[6] = token hash, ARGV[7] = revoked ("0"/"1"),
// ARGV[8] = revoked_at (ms)
var saveTokenScript = goredis.NewScript(`
local revoked, revokedAt = ARGV[7], ARGV[8]
if revoked ~= '1' and ARGV[3] ~= '' then
    local marker = redis.call('GET', KEYS[3])
    if marker then
        revoked, revokedAt = '1', marker
    end
end

redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
    'data', ARGV[1], 'type', ARGV[2], 'grant_id', ARGV[3],
    'revoked', revoked, 'expires_at', ARGV[4])
if revoked == '1' then
    redis.call('HSET', KEYS[1], 'revoked_at', revokedAt)
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])

if ARGV[3] ~= '' then
    redis.call('SADD', KEYS[2], ARGV[6])
    local current = redis.call('PTTL', KEYS[2])
    if current < tonumber(ARGV[5]) then
        redis.call('PEXPIRE', KEYS[2], ARGV[5])
    end
end
return 1
`)

// revokeLineageLua revokes every live member of a lineage and leaves a
// marker at grantKey..":revoked" for retention ms; n counts newly revoked
// tokens.
const revokeLineageLua = `
local function revokeLineage(grantKey, tokenPrefix, now, retention)
    redis.call('SET', grantKey .. ':revoked', now, 'NX', 'PX', retention)
    local n = 0
    for _, hash in ipairs(redis.call('SMEMBERS', grantKey)) do
        local key = tokenPrefix .. hash
        if redis.call('EXISTS', key) == 1 and redis.call('HGET', key, 'revoked') ~= '1' then
            redis.call('HSET', key, 'revoked', '1', 'revoked_at', now)
            n = n + 1
        end
    end
    return n
end
`

// revokeGrantScript revokes a lineage.
//
// KEYS[1] = grant index key
// ARGV[1] = now (ms), ARGV[2] = token key prefix, ARGV[3] = marker retention (ms)
var revokeGrantScript = goredis.NewScript(revokeLineageLua + `
return revokeLineage(KEYS[1], ARGV[2], ARGV[1], ARGV[3])
`)

// revokeTokenScript revokes one token, or its whole lineage for refresh
// tokens. Returns -1 when the token is unknown.
//
// KEYS[1] = token key
// ARGV[1] = now (ms), ARGV[2] = token key prefix, ARGV[3] = grant key prefix,
// ARGV[4] = marker retention (ms)
var revokeTokenScript = goredis.NewScript(revokeLineageLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end

local grantID = redis.call('HGET', KEYS[1], 'grant_id')
if redis.call('HGET', KEYS[1], 'type') == 'refresh_token' and grantID and grantID ~= '' then
    return revokeLineage(ARGV[3] .. grantID, ARGV[2], ARGV[1], ARGV[4])
end

if redis.call('HGET', KEYS[1], 'revoked') == '1' then
    return 0
end
redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[1])
return 1
`)

// rotateRefreshScript revokes an active refresh token.
//
// KEYS[1] = token key
// ARGV[1] = now (ms), ARGV[2] = clock skew grace (ms)
//
// Returns {"NOT_FOUND"}, {"EXPIRED"}, {"REVOKED", data, revoked_at} or
// {"OK", data, revoked_at}.
var rotateRefreshScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {'NOT_FOUND'}
end
if redis.call('HGET', KEYS[1], 'type') ~= 'refresh_token' then
    return {'NOT_FOUND'}
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if expiresAt and now > expiresAt + tonumber(ARGV[2]) then
    return {'EXPIRED'}
end

local data = redis.call('HGET', KEYS[1], 'data')
if redis.call('HGET', KEYS[1], 'revoked') == '1' then
    return {'REVOKED', data, redis.call('HGET', KEYS[1], 'revoked_at')}
end

redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[1])
return {'OK', data, ARGV[1]}
`)
