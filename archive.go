package webrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	ikeys "github.com/UniQw/webrun/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Score base for entries that never expire. Adding the save time keeps such
// entries ordered and stays exact in a float64.
const farFuture = 1 << 52

// Archive keeps terminal task records in Redis so they survive scheduler
// history pruning. Records expire after the retention window; each status
// index is a ZSET scored by expiry time (ms).
type Archive struct {
	rdb        redis.UniversalClient
	encoder    Encoder
	retention  time.Duration
	maxHistory int64
	keys       ikeys.Archive
}

// NewArchive creates an archive. A zero retention keeps records forever; a
// zero maxHistory leaves each index unbounded.
func NewArchive(rdb redis.UniversalClient, retention time.Duration, maxHistory int) *Archive {
	return &Archive{
		rdb:        rdb,
		encoder:    &JSONEncoder{},
		retention:  retention,
		maxHistory: int64(maxHistory),
		keys:       ikeys.ForArchive(),
	}
}

func (a *Archive) index(st Status) (string, error) {
	switch st {
	case StatusCompleted:
		return a.keys.Completed, nil
	case StatusFailed:
		return a.keys.Failed, nil
	case StatusCancelled:
		return a.keys.Cancelled, nil
	default:
		return "", fmt.Errorf("%w: %q is not terminal", ErrUnknownStatus, st)
	}
}

// ExpiryIndexes lists the ZSETs whose expired members the runtime cleaner removes.
func (a *Archive) ExpiryIndexes() []string {
	return []string{a.keys.Completed, a.keys.Failed, a.keys.Cancelled}
}

// Save stores a terminal task, replacing any earlier record with the same id.
func (a *Archive) Save(ctx context.Context, t *Task) error {
	key, err := a.index(t.Status)
	if err != nil {
		return err
	}
	raw, err := a.encoder.Encode(t)
	if err != nil {
		return err
	}
	now := time.Now()
	score := float64(farFuture + now.UnixMilli())
	if a.retention > 0 {
		score = float64(now.Add(a.retention).UnixMilli())
	}
	_, err = a.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, ikeys.Record(t.ID), raw, a.retention)
		for _, other := range a.ExpiryIndexes() {
			if other != key {
				p.ZRem(ctx, other, t.ID)
			}
		}
		p.ZAdd(ctx, key, redis.Z{Score: score, Member: t.ID})
		if a.maxHistory > 0 {
			p.ZRemRangeByRank(ctx, key, 0, -(a.maxHistory + 1))
		}
		return nil
	})
	return err
}

// Get loads one archived task.
func (a *Archive) Get(ctx context.Context, id string) (*Task, error) {
	raw, err := a.rdb.Get(ctx, ikeys.Record(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := a.encoder.Decode(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns up to limit archived tasks in status, most recent first.
// A limit of zero or less returns all of them.
func (a *Archive) List(ctx context.Context, status Status, limit int) ([]*Task, error) {
	key, err := a.index(status)
	if err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := a.rdb.ZRevRange(ctx, key, 0, stop).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	recKeys := make([]string, len(ids))
	for i, id := range ids {
		recKeys[i] = ikeys.Record(id)
	}
	vals, err := a.rdb.MGet(ctx, recKeys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// expired between the range and the fetch
			continue
		}
		var t Task
		if err := a.encoder.Decode([]byte(s), &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// Delete removes a task from the archive.
func (a *Archive) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := a.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, ikeys.Record(id))
		for _, key := range a.ExpiryIndexes() {
			p.ZRem(ctx, key, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Counts returns the number of indexed tasks per terminal status.
func (a *Archive) Counts(ctx context.Context) (map[Status]int64, error) {
	statuses := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	cmds := make([]*redis.IntCmd, len(statuses))
	_, err := a.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, st := range statuses {
			key, _ := a.index(st)
			cmds[i] = p.ZCard(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int64, len(statuses))
	for i, st := range statuses {
		out[st] = cmds[i].Val()
	}
	return out, nil
}
