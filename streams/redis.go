package streams

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/agentqueue/errors"
)

// RedisLog implements Log over Redis Streams.
type RedisLog struct {
	client redis.UniversalClient
}

var _ Log = (*RedisLog)(nil)

// NewRedisLog wraps an existing client. Close closes the client.
func NewRedisLog(client redis.UniversalClient) *RedisLog {
	return &RedisLog{client: client}
}

// Dial connects to the Redis server at url (redis:// or rediss://).
func Dial(url string) (*RedisLog, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Validation("redis.url", "invalid redis url", errors.WithCause(err))
	}
	return NewRedisLog(redis.NewClient(opts)), nil
}

// Client exposes the underlying client so other stores can share it.
func (l *RedisLog) Client() redis.UniversalClient {
	return l.client
}

// Ping checks connectivity.
func (l *RedisLog) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return wrapErr(err, "ping")
	}
	return nil
}

func (l *RedisLog) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: flatten(fields),
	}).Result()
	if err != nil {
		return "", wrapErr(err, "xadd "+stream)
	}
	return id, nil
}

func (l *RedisLog) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return wrapErr(err, "xgroup create "+stream)
	}
	return nil
}

func (l *RedisLog) Claim(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	// go-redis treats a negative Block as "no BLOCK argument".
	if block <= 0 {
		block = -1
	}
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err, "xreadgroup "+stream)
	}
	return streamEntries(res), nil
}

func (l *RedisLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return wrapErr(err, "xack "+stream)
	}
	return nil
}

func (l *RedisLog) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.client.XDel(ctx, stream, ids...).Err(); err != nil {
		return wrapErr(err, "xdel "+stream)
	}
	return nil
}

func (l *RedisLog) Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error) {
	var cmd *redis.XMessageSliceCmd
	if count > 0 {
		cmd = l.client.XRangeN(ctx, stream, start, end, count)
	} else {
		cmd = l.client.XRange(ctx, stream, start, end)
	}
	msgs, err := cmd.Result()
	if err != nil {
		return nil, wrapErr(err, "xrange "+stream)
	}
	return messageEntries(msgs), nil
}

func (l *RedisLog) RevRange(ctx context.Context, stream, end, start string, count int64) ([]Entry, error) {
	var cmd *redis.XMessageSliceCmd
	if count > 0 {
		cmd = l.client.XRevRangeN(ctx, stream, end, start, count)
	} else {
		cmd = l.client.XRevRange(ctx, stream, end, start)
	}
	msgs, err := cmd.Result()
	if err != nil {
		return nil, wrapErr(err, "xrevrange "+stream)
	}
	return messageEntries(msgs), nil
}

func (l *RedisLog) Len(ctx context.Context, stream string) (int64, error) {
	n, err := l.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, wrapErr(err, "xlen "+stream)
	}
	return n, nil
}

func (l *RedisLog) PendingSummary(ctx context.Context, stream, group string, count int64) (*PendingSummary, error) {
	summary, err := l.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, wrapErr(err, "xpending "+stream)
	}
	out := &PendingSummary{Count: summary.Count}
	if summary.Count == 0 || count <= 0 {
		return out, nil
	}

	ext, err := l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, wrapErr(err, "xpending "+stream)
	}
	out.Entries = make([]PendingEntry, 0, len(ext))
	for _, p := range ext {
		out.Entries = append(out.Entries, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

func (l *RedisLog) ForceReassign(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := l.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err, "xclaim "+stream)
	}
	return messageEntries(msgs), nil
}

func (l *RedisLog) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := l.client.XTrimMaxLen(ctx, stream, maxLen).Err(); err != nil {
		return wrapErr(err, "xtrim "+stream)
	}
	return nil
}

func (l *RedisLog) Tail(ctx context.Context, cursors []Cursor, count int64, block time.Duration) ([]StreamEntry, error) {
	if len(cursors) == 0 {
		return nil, nil
	}
	if block <= 0 {
		block = -1
	}
	args := make([]string, 2*len(cursors))
	for i, c := range cursors {
		args[i] = c.Stream
		args[len(cursors)+i] = c.LastID
	}
	res, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: args,
		Count:   count,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err, "xread")
	}
	var out []StreamEntry
	for _, s := range res {
		for _, e := range messageEntries(s.Messages) {
			out = append(out, StreamEntry{Stream: s.Stream, Entry: e})
		}
	}
	return out, nil
}

func (l *RedisLog) Batch() Batch {
	return &redisBatch{client: l.client}
}

func (l *RedisLog) Close() error {
	return l.client.Close()
}

// redisBatch defers every command until Exec so that the whole batch runs
// inside one MULTI/EXEC.
type redisBatch struct {
	client redis.UniversalClient
	ops    []func(ctx context.Context, p redis.Pipeliner)
	desc   []string
}

func (b *redisBatch) Append(stream string, fields map[string]string) {
	values := flatten(fields)
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) {
		p.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values})
	})
	b.desc = append(b.desc, "xadd "+stream)
}

func (b *redisBatch) Ack(stream, group string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) {
		p.XAck(ctx, stream, group, ids...)
	})
	b.desc = append(b.desc, "xack "+stream)
}

func (b *redisBatch) Delete(stream string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) {
		p.XDel(ctx, stream, ids...)
	})
	b.desc = append(b.desc, "xdel "+stream)
}

func (b *redisBatch) Len() int {
	return len(b.ops)
}

func (b *redisBatch) Exec(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, op := range b.ops {
			op(ctx, p)
		}
		return nil
	})
	if err != nil {
		return wrapErr(err, fmt.Sprintf("multi [%s]", strings.Join(b.desc, ", ")))
	}
	return nil
}

// flatten renders fields as key/value pairs in key order.
func flatten(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, fields[k])
	}
	return out
}

func streamEntries(res []redis.XStream) []Entry {
	var out []Entry
	for _, s := range res {
		out = append(out, messageEntries(s.Messages)...)
	}
	return out
}

func messageEntries(msgs []redis.XMessage) []Entry {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprint(v)
			}
		}
		out = append(out, Entry{ID: m.ID, Fields: fields})
	}
	return out
}

func wrapErr(err error, op string) error {
	switch {
	case errors.Is(err, errors.ErrCodeNotFound):
		return err
	case strings.HasPrefix(err.Error(), "NOGROUP"):
		return errors.WrapWithCode(err, errors.ErrCodeNotFound, op)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, op)
	default:
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, op)
	}
}
