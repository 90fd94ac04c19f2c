package redis

import "github.com/redis/go-redis/v9"

const (
	// putConfigScript stores a blob and announces the change in one round trip
	putConfigScript = `
local value_key = KEYS[1]   -- {prefix}{name}

local value = ARGV[1]
local channel = ARGV[2]     -- {prefix}changes
local name = ARGV[3]

redis.call('SET', value_key, value)
redis.call('PUBLISH', channel, name)

return 'OK'
`

	// deleteConfigScript removes a blob and announces the change if it existed
	deleteConfigScript = `
local value_key = KEYS[1]

local channel = ARGV[1]
local name = ARGV[2]

local removed = redis.call('DEL', value_key)
if removed > 0 then
  redis.call('PUBLISH', channel, name)
end

return removed
`

	// incrementCounterScript bumps one field of a per-date counter hash and
	// records the hash in the index so exports can enumerate dates.
	// Counter hashes never expire; retention is owned by the export job.
	incrementCounterScript = `
local counter_key = KEYS[1] -- {prefix}daily_usage:{date}
local index_key = KEYS[2]   -- {prefix}counters:index

local field = ARGV[1]
local delta = tonumber(ARGV[2])
local name = ARGV[3]

local value = redis.call('HINCRBY', counter_key, field, delta)
redis.call('SADD', index_key, name)

return value
`
)

var (
	putConfig        = redis.NewScript(putConfigScript)
	deleteConfig     = redis.NewScript(deleteConfigScript)
	incrementCounter = redis.NewScript(incrementCounterScript)
)
