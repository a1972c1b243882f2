package redis

const (
	// incrementDailyScript adds delta to a {"date","count"} record in one
	// step. A record from another day, or one that does not parse, counts as
	// zero. A negative limit disables the check. Returns {count, recorded}.
	incrementDailyScript = `
local key = KEYS[1]         -- {prefix}profile:{id}:daily_limit_{feature}

local today = ARGV[1]
local delta = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local count = 0
local raw = redis.call('GET', key)
if raw then
  local date = string.match(raw, '"date"%s*:%s*"([^"]*)"')
  local stored = string.match(raw, '"count"%s*:%s*(%d+)')
  if date == today and stored then
    count = tonumber(stored)
  end
end

if delta > 0 and limit >= 0 and count >= limit then
  return {count, 0}
end

count = count + delta
local record = '{"date":"' .. today .. '","count":' .. count .. '}'
if ttl_ms > 0 then
  redis.call('SET', key, record, 'PX', ttl_ms)
else
  redis.call('SET', key, record)
end

return {count, 1}
`
)
