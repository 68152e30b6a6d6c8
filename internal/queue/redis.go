package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisBackend keeps each job in a hash and indexes job ids in one sorted set
// per state. All keys of a queue share a hash tag so the Lua scripts stay in
// a single cluster slot.
//
// Key layout, with p = "<prefix>:{<queue>}":
//
//	p:job:<id>      hash of job fields
//	p:state:<state> sorted set of ids
//	p:seq           FIFO counter used as score for waiting and paused jobs
//	p:paused        present while the queue is paused
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend binds a backend to queue name under keyPrefix.
func NewRedisBackend(client redis.UniversalClient, keyPrefix, queue string) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: fmt.Sprintf("%s:{%s}", keyPrefix, queue),
	}
}

var addScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local k = p .. ':job:' .. id
if redis.call('EXISTS', k) == 1 then return false end
local state = ARGV[3]
if state == 'waiting' and redis.call('EXISTS', p .. ':paused') == 1 then state = 'paused' end
local score = ARGV[4]
if score == '' then score = redis.call('INCR', p .. ':seq') end
for i = 5, #ARGV, 2 do
	redis.call('HSET', k, ARGV[i], ARGV[i + 1])
end
redis.call('HSET', k, 'state', state)
redis.call('ZADD', p .. ':state:' .. state, score, id)
return state
`)

var claimScript = redis.NewScript(`
local p = ARGV[1]
local now = tonumber(ARGV[2])
if redis.call('EXISTS', p .. ':paused') == 1 then return false end
local due = redis.call('ZRANGEBYSCORE', p .. ':state:delayed', '-inf', now)
for _, id in ipairs(due) do
	redis.call('ZREM', p .. ':state:delayed', id)
	redis.call('ZADD', p .. ':state:waiting', redis.call('INCR', p .. ':seq'), id)
	redis.call('HSET', p .. ':job:' .. id, 'state', 'waiting')
end
local ids = redis.call('ZRANGE', p .. ':state:waiting', 0, 0)
if #ids == 0 then return false end
local id = ids[1]
local k = p .. ':job:' .. id
redis.call('ZREM', p .. ':state:waiting', id)
redis.call('ZADD', p .. ':state:active', now, id)
redis.call('HSET', k, 'state', 'active')
redis.call('HSET', k, 'processed_at', ARGV[2])
redis.call('HINCRBY', k, 'attempts', 1)
return redis.call('HGETALL', k)
`)

var transitionScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local to = ARGV[3]
local k = p .. ':job:' .. id
local cur = redis.call('HGET', k, 'state')
if not cur then return 0 end
local allowed = false
for i = 8, #ARGV do
	if ARGV[i] == cur then allowed = true end
end
if not allowed then return 0 end
local score = ARGV[7]
if to == 'waiting' or to == 'paused' then score = redis.call('INCR', p .. ':seq') end
redis.call('ZREM', p .. ':state:' .. cur, id)
redis.call('ZADD', p .. ':state:' .. to, score, id)
redis.call('HSET', k, 'state', to)
if ARGV[4] ~= '' then redis.call('HSET', k, 'failed_reason', ARGV[4]) end
if ARGV[5] ~= '' then redis.call('HSET', k, 'result', ARGV[5]) end
if ARGV[6] ~= '' then redis.call('HSET', k, 'finished_at', ARGV[6]) end
return 1
`)

var progressScript = redis.NewScript(`
local k = ARGV[1] .. ':job:' .. ARGV[2]
if redis.call('HGET', k, 'state') ~= 'active' then return 0 end
local cur = tonumber(redis.call('HGET', k, 'progress') or '0')
if tonumber(ARGV[3]) > cur then redis.call('HSET', k, 'progress', ARGV[3]) end
return 1
`)

var removeScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local k = p .. ':job:' .. id
local cur = redis.call('HGET', k, 'state')
if not cur then return 0 end
local allowed = false
for i = 3, #ARGV do
	if ARGV[i] == cur then allowed = true end
end
if not allowed then return 0 end
redis.call('ZREM', p .. ':state:' .. cur, id)
redis.call('DEL', k)
return 1
`)

var moveAllScript = redis.NewScript(`
local p = ARGV[1]
local src = p .. ':state:' .. ARGV[2]
local dst = p .. ':state:' .. ARGV[3]
local ids = redis.call('ZRANGE', src, 0, -1)
for _, id in ipairs(ids) do
	redis.call('ZADD', dst, redis.call('INCR', p .. ':seq'), id)
	redis.call('HSET', p .. ':job:' .. id, 'state', ARGV[3])
end
redis.call('DEL', src)
return #ids
`)

func (b *RedisBackend) jobKey(id string) string {
	return b.prefix + ":job:" + id
}

func (b *RedisBackend) stateKey(s State) string {
	return b.prefix + ":state:" + string(s)
}

func (b *RedisBackend) Add(ctx context.Context, job *Job) error {
	score := ""
	if job.State == StateDelayed && job.DelayUntil != nil {
		score = formatMillis(job.DelayUntil)
	} else if job.State != StateWaiting && job.State != StatePaused {
		score = strconv.FormatInt(job.CreatedAt.UnixMilli(), 10)
	}

	args := []any{
		b.prefix, job.ID, string(job.State), score,
		"id", job.ID,
		"queue", job.Queue,
		"state", string(job.State),
		"progress", job.Progress,
		"payload", string(job.Payload),
		"attempts", job.Attempts,
		"created_at", job.CreatedAt.UnixMilli(),
	}
	if job.DelayUntil != nil {
		args = append(args, "delay_until", formatMillis(job.DelayUntil))
	}

	state, err := addScript.Run(ctx, b.client, nil, args...).Text()
	if errors.Is(err, redis.Nil) {
		return eris.Errorf("queue: redis job %s already exists", job.ID)
	}
	if err != nil {
		return eris.Wrapf(err, "queue: redis add job %s", job.ID)
	}
	job.State = State(state)
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "queue: redis get job %s", id)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromHash(fields)
}

func (b *RedisBackend) ListByStates(ctx context.Context, states []State) ([]*Job, error) {
	var ids []string
	for _, s := range states {
		members, err := b.client.ZRange(ctx, b.stateKey(s), 0, -1).Result()
		if err != nil {
			return nil, eris.Wrapf(err, "queue: redis list %s jobs", s)
		}
		ids = append(ids, members...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, b.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: redis load jobs")
	}

	jobs := make([]*Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		// Removed between ZRANGE and HGETALL.
		if len(fields) == 0 {
			continue
		}
		job, err := jobFromHash(fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (b *RedisBackend) Claim(ctx context.Context, now time.Time) (*Job, error) {
	res, err := claimScript.Run(ctx, b.client, nil, b.prefix, now.UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: redis claim")
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return jobFromHash(fields)
}

func (b *RedisBackend) Transition(ctx context.Context, id string, from []State, to State, upd Update) (bool, error) {
	finished := ""
	if upd.FinishedAt != nil {
		finished = formatMillis(upd.FinishedAt)
	}
	args := []any{
		b.prefix, id, string(to), upd.FailedReason, string(upd.Result), finished,
		time.Now().UnixMilli(),
	}
	for _, s := range from {
		args = append(args, string(s))
	}

	n, err := transitionScript.Run(ctx, b.client, nil, args...).Int64()
	if err != nil {
		return false, eris.Wrapf(err, "queue: redis transition job %s to %s", id, to)
	}
	return n == 1, nil
}

func (b *RedisBackend) SetProgress(ctx context.Context, id string, progress int) (bool, error) {
	n, err := progressScript.Run(ctx, b.client, nil, b.prefix, id, progress).Int64()
	if err != nil {
		return false, eris.Wrapf(err, "queue: redis set progress of job %s", id)
	}
	return n == 1, nil
}

func (b *RedisBackend) Remove(ctx context.Context, id string, from []State) (bool, error) {
	args := []any{b.prefix, id}
	for _, s := range from {
		args = append(args, string(s))
	}
	n, err := removeScript.Run(ctx, b.client, nil, args...).Int64()
	if err != nil {
		return false, eris.Wrapf(err, "queue: redis remove job %s", id)
	}
	return n == 1, nil
}

func (b *RedisBackend) MoveAll(ctx context.Context, from, to State) (int, error) {
	n, err := moveAllScript.Run(ctx, b.client, nil, b.prefix, string(from), string(to)).Int64()
	if err != nil {
		return 0, eris.Wrapf(err, "queue: redis move %s jobs to %s", from, to)
	}
	return int(n), nil
}

func (b *RedisBackend) SetPaused(ctx context.Context, paused bool) error {
	var err error
	if paused {
		err = b.client.Set(ctx, b.prefix+":paused", "1", 0).Err()
	} else {
		err = b.client.Del(ctx, b.prefix+":paused").Err()
	}
	return eris.Wrapf(err, "queue: redis set paused of %s", b.prefix)
}

func (b *RedisBackend) Paused(ctx context.Context) (bool, error) {
	n, err := b.client.Exists(ctx, b.prefix+":paused").Result()
	if err != nil {
		return false, eris.Wrapf(err, "queue: redis read paused of %s", b.prefix)
	}
	return n == 1, nil
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func formatMillis(t *time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

func jobFromHash(h map[string]string) (*Job, error) {
	job := &Job{
		ID:           h["id"],
		Queue:        h["queue"],
		State:        State(h["state"]),
		Payload:      []byte(h["payload"]),
		FailedReason: h["failed_reason"],
	}
	if r := h["result"]; r != "" {
		job.Result = []byte(r)
	}

	var err error
	if job.Progress, err = atoiDefault(h["progress"]); err != nil {
		return nil, eris.Wrapf(err, "queue: redis job %s progress", job.ID)
	}
	if job.Attempts, err = atoiDefault(h["attempts"]); err != nil {
		return nil, eris.Wrapf(err, "queue: redis job %s attempts", job.ID)
	}

	created, err := parseMillis(h["created_at"])
	if err != nil {
		return nil, eris.Wrapf(err, "queue: redis job %s created_at", job.ID)
	}
	if created != nil {
		job.CreatedAt = *created
	}
	if job.DelayUntil, err = parseMillis(h["delay_until"]); err != nil {
		return nil, eris.Wrapf(err, "queue: redis job %s delay_until", job.ID)
	}
	if job.ProcessedAt, err = parseMillis(h["processed_at"]); err != nil {
		return nil, eris.Wrapf(err, "queue: redis job %s processed_at", job.ID)
	}
	if job.FinishedAt, err = parseMillis(h["finished_at"]); err != nil {
		return nil, eris.Wrapf(err, "queue: redis job %s finished_at", job.ID)
	}
	return job, nil
}

func atoiDefault(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
