package ledger

import "github.com/go-redis/redis/v8"

// Lua scripts for atomic cache operations. Each runs as a single Redis
// command, so no other client observes an intermediate state.

// luaReserve checks and moves in one step. KEYS[1] is the working balance,
// KEYS[2] the pending accumulator, ARGV[1] the amount.
//
// Returns 1 on success, -1 on insufficient balance, -2 on a cold cache,
// -3 on an unparseable balance value.
const luaReserve = `
local balance = redis.call('GET', KEYS[1])
if not balance then
    return -2
end
local current = tonumber(balance)
if current == nil then
    return -3
end
local amount = tonumber(ARGV[1])
if current < amount then
    return -1
end
redis.call('INCRBYFLOAT', KEYS[1], -amount)
redis.call('INCRBYFLOAT', KEYS[2], amount)
return 1
`

// luaRefund returns ARGV[1] to the working balance and releases up to that
// much from the pending accumulator. A cold balance key is left cold so that
// the next repopulation seeds it from durable state; creating it here would
// plant a balance equal to the refund alone.
//
// Returns {new_balance, released}; new_balance is '' when the cache was cold.
const luaRefund = `
local amount = tonumber(ARGV[1])
local new_balance = ''
if redis.call('EXISTS', KEYS[1]) == 1 then
    new_balance = redis.call('INCRBYFLOAT', KEYS[1], amount)
end
local pending = tonumber(redis.call('GET', KEYS[2]) or '0')
local release = math.min(pending, amount)
if release > 0 then
    redis.call('INCRBYFLOAT', KEYS[2], -release)
end
return {new_balance, tostring(release)}
`

// luaChargeCache mirrors a committed durable charge into the cache:
// increment when the key is warm, otherwise seed it from the fresh durable
// balance (ARGV[2]) minus any outstanding pending amount.
const luaChargeCache = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
end
local pending = tonumber(redis.call('GET', KEYS[2]) or '0')
local fresh = tonumber(ARGV[2]) - pending
if fresh < 0 then
    fresh = 0
end
redis.call('SET', KEYS[1], string.format('%.2f', fresh))
return string.format('%.2f', fresh)
`

func (l *Ledger) loadScripts() {
	l.reserveScript = redis.NewScript(luaReserve)
	l.refundScript = redis.NewScript(luaRefund)
	l.chargeCacheScript = redis.NewScript(luaChargeCache)
}
