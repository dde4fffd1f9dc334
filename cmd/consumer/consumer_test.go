package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/carpool/internal/ingest"
)

// fakeCache implements StatusCache for tests
type fakeCache struct {
	fail   int // number of times to fail HSet before succeeding
	calls  int
	lastKV map[string]interface{}
	key    string
}

func (f *fakeCache) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("hset fail")
	}
	f.key = key
	f.lastKV = values
	return nil
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeCache{fail: 1}
	e := &ingest.Event{Type: "transaction.succeeded", BookingID: "b1", TransactionID: "tx1", Status: "succeeded", OccurredAt: time.Now()}
	ctx := context.Background()
	start := time.Now()
	if err := updateRedisWithRetry(ctx, f, e, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls < 2 {
		t.Fatalf("expected retries, got calls=%d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.key != "booking:status:b1" {
		t.Fatalf("wrong key: %s", f.key)
	}
	if f.lastKV["transaction_id"] != "tx1" || f.lastKV["status"] != "succeeded" {
		t.Fatalf("wrong values: %+v", f.lastKV)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeCache{fail: 5}
	e := &ingest.Event{Type: "booking.accepted", BookingID: "b1", Status: "accepted", OccurredAt: time.Now()}
	ctx := context.Background()
	if err := updateRedisWithRetry(ctx, f, e, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestUpdateRedisWithRetry_OmitsEmptyTransaction(t *testing.T) {
	f := &fakeCache{}
	e := &ingest.Event{Type: "booking.requested", BookingID: "b2", Status: "pending", OccurredAt: time.Now()}
	if err := updateRedisWithRetry(context.Background(), f, e, 1, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.lastKV["transaction_id"]; ok {
		t.Fatal("transaction_id should be omitted when empty")
	}
}
