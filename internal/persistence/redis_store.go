package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lumi-retreat/lumi/pkg/api"
)

// RedisStore is a RunStore and HistoryStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>run:<id>               => msgpack-encoded runPayload
//	<prefix>steps:<id>             => HASH step name -> msgpack stepPayload
//	<prefix>steporder:<id>         => ZSET step name scored by first save
//	<prefix>hist:<id>              => LIST of msgpack HistoryEntry
//	<prefix>idx:all                => SET of all run IDs
//	<prefix>idx:handler:<handler>  => SET of run IDs for a handler
//	<prefix>idx:status:<status>    => SET of run IDs for a status
//
// The indexes are always updated on Create/Update, and ListRuns uses set
// intersections for filtering.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ RunStore = (*RedisStore)(nil)

var _ HistoryStore = (*RedisStore)(nil)

var allStatuses = []api.Status{
	api.StatusPending, api.StatusRunning, api.StatusRetrying, api.StatusSucceeded, api.StatusFailed,
}

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "lumi:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lumi:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyRun(id string) string       { return s.prefix + "run:" + id }
func (s *RedisStore) keySteps(id string) string     { return s.prefix + "steps:" + id }
func (s *RedisStore) keyStepOrder(id string) string { return s.prefix + "steporder:" + id }
func (s *RedisStore) keyHistory(id string) string   { return s.prefix + "hist:" + id }
func (s *RedisStore) keyAll() string                { return s.prefix + "idx:all" }
func (s *RedisStore) keyHandler(h string) string    { return s.prefix + "idx:handler:" + h }

func (s *RedisStore) keyStatus(st api.Status) string {
	return s.prefix + "idx:status:" + string(st)
}

func (s *RedisStore) CreateRun(ctx context.Context, run *api.Run) error {
	data, err := encodeRunPayload(run)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.keyRun(run.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunExists
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), run.ID)
	pipe.SAdd(ctx, s.keyHandler(run.HandlerID), run.ID)
	pipe.SAdd(ctx, s.keyStatus(run.Status), run.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) UpdateRun(ctx context.Context, run *api.Run) error {
	exists, err := s.client.Exists(ctx, s.keyRun(run.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrRunNotFound
	}

	data, err := encodeRunPayload(run)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyRun(run.ID), data, 0)
	for _, st := range allStatuses {
		if st != run.Status {
			pipe.SRem(ctx, s.keyStatus(st), run.ID)
		}
	}
	pipe.SAdd(ctx, s.keyStatus(run.Status), run.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	data, err := s.client.Get(ctx, s.keyRun(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	run, err := decodeRunPayload(data)
	if err != nil {
		return nil, err
	}
	if run.Steps, err = s.loadSteps(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *RedisStore) loadSteps(ctx context.Context, runID string) ([]api.StepRecord, error) {
	names, err := s.client.ZRange(ctx, s.keyStepOrder(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.keySteps(runID), names...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.StepRecord, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeStep([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	keys := []string{s.keyAll()}
	if filter.HandlerID != "" {
		keys = append(keys, s.keyHandler(filter.HandlerID))
	}
	if filter.Status != "" {
		keys = append(keys, s.keyStatus(filter.Status))
	}

	ids, err := s.client.SInter(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*api.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRunNotFound) {
				// Stale index entry.
				continue
			}
			return nil, err
		}
		result = append(result, run)
	}
	sortRuns(result)
	return result, nil
}

func (s *RedisStore) SaveStep(ctx context.Context, runID string, rec api.StepRecord) error {
	exists, err := s.client.Exists(ctx, s.keyRun(runID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrRunNotFound
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	data, err := encodeStep(rec)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keySteps(runID), rec.Name, data)
	pipe.ZAddNX(ctx, s.keyStepOrder(runID), redis.Z{Score: float64(time.Now().UnixNano()), Member: rec.Name})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) AppendHistory(ctx context.Context, e api.HistoryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.keyHistory(e.RunID), data).Err()
}

func (s *RedisStore) ListHistory(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	vals, err := s.client.LRange(ctx, s.keyHistory(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.HistoryEntry, 0, len(vals))
	for _, v := range vals {
		var e api.HistoryEntry
		if err := msgpack.Unmarshal([]byte(v), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
