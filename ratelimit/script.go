/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "github.com/redis/go-redis/v9"

// checkAndConsumeScript runs the whole admission sequence server-side so that
// the excise/count/insert steps are atomic per key. KEYS[1] is the window
// key; ARGV holds now (ms), window (ms), limit and the member nonce. The
// reply is {allowed, remaining, retryAfterSeconds}.
var checkAndConsumeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window * 2)
	return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry_after = math.ceil(window / 1000)
if oldest[2] then
	retry_after = math.ceil((tonumber(oldest[2]) + window - now) / 1000)
end
return {0, 0, retry_after}
`)

// remainingScript reports the quota left in the window without consuming any.
var remainingScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local remaining = limit - redis.call('ZCARD', key)
if remaining < 0 then
	remaining = 0
end
return remaining
`)
