package db

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPoolStats_JSON(t *testing.T) {
	stats := PoolStats{
		TotalConns:      1,
		IdleConns:       1,
		MaxConns:        4,
		AcquireCount:    50,
		AcquireDuration: "250ms",
		Healthy:         true,
	}

	data, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"total_conns":1`, `"max_conns":4`, `"acquire_duration":"250ms"`, `"healthy":true`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("expected %s in %s", key, data)
		}
	}
}

type fakePinger struct {
	err      error
	deadline bool
}

func (f *fakePinger) Ping(ctx context.Context) error {
	_, f.deadline = ctx.Deadline()
	return f.err
}

func TestPing_AppliesTimeout(t *testing.T) {
	p := &fakePinger{}
	if err := Ping(context.Background(), p, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.deadline {
		t.Error("expected ping context to carry a deadline")
	}
}

func TestPing_WrapsError(t *testing.T) {
	cause := errors.New("connection refused")
	err := Ping(context.Background(), &fakePinger{err: cause}, time.Second)
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}
