package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lumi-retreat/lumi/pkg/api"
)

// Envelopes are stored as JSON because their payload is an interface whose
// concrete type is recovered from the event name on decode.

func encodeEnvelope(env api.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	return b, nil
}

func decodeEnvelope(b []byte) (api.Envelope, error) {
	var env api.Envelope
	if len(b) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// runPayload is the msgpack shape of a run (without steps) in key-value
// backends.
type runPayload struct {
	ID             string
	HandlerID      string
	Envelope       []byte
	ConcurrencyKey string
	Status         string
	AttemptCount   int
	MaxAttempts    int
	LastError      string
	NextAttemptAt  int64
	Output         []byte
	CreatedAt      int64
	UpdatedAt      int64
}

func encodeRunPayload(run *api.Run) ([]byte, error) {
	env, err := encodeEnvelope(run.Envelope)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(runPayload{
		ID:             run.ID,
		HandlerID:      run.HandlerID,
		Envelope:       env,
		ConcurrencyKey: run.ConcurrencyKey,
		Status:         string(run.Status),
		AttemptCount:   run.AttemptCount,
		MaxAttempts:    run.MaxAttempts,
		LastError:      run.LastError,
		NextAttemptAt:  unixNano(run.NextAttemptAt),
		Output:         run.Output,
		CreatedAt:      unixNano(run.CreatedAt),
		UpdatedAt:      unixNano(run.UpdatedAt),
	})
}

func decodeRunPayload(b []byte) (*api.Run, error) {
	var p runPayload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	env, err := decodeEnvelope(p.Envelope)
	if err != nil {
		return nil, err
	}
	return &api.Run{
		ID:             p.ID,
		HandlerID:      p.HandlerID,
		Envelope:       env,
		ConcurrencyKey: p.ConcurrencyKey,
		Status:         api.Status(p.Status),
		AttemptCount:   p.AttemptCount,
		MaxAttempts:    p.MaxAttempts,
		LastError:      p.LastError,
		NextAttemptAt:  fromUnixNano(p.NextAttemptAt),
		Output:         p.Output,
		CreatedAt:      fromUnixNano(p.CreatedAt),
		UpdatedAt:      fromUnixNano(p.UpdatedAt),
	}, nil
}

type stepPayload struct {
	Name        string
	Result      []byte
	Error       string
	CompletedAt int64
}

func encodeStep(rec api.StepRecord) ([]byte, error) {
	return msgpack.Marshal(stepPayload{
		Name:        rec.Name,
		Result:      rec.Result,
		Error:       rec.Error,
		CompletedAt: unixNano(rec.CompletedAt),
	})
}

func decodeStep(b []byte) (api.StepRecord, error) {
	var p stepPayload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return api.StepRecord{}, fmt.Errorf("decode step: %w", err)
	}
	return api.StepRecord{
		Name:        p.Name,
		Result:      p.Result,
		Error:       p.Error,
		CompletedAt: fromUnixNano(p.CompletedAt),
	}, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
