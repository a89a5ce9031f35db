package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestIdempotency_NewRequest(t *testing.T) {
	svc := NewIdempotencyService(setupTestRedis(t), zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "user:1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotency_ConcurrentDuplicate(t *testing.T) {
	svc := NewIdempotencyService(setupTestRedis(t), zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user:1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "user:1", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	svc := NewIdempotencyService(setupTestRedis(t), zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user:1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	body := json.RawMessage(`{"id":"msg-123","conteudo":"Olá"}`)
	if err := svc.Store(ctx, "user:1", "key-1", &IdempotencyResult{
		ResourceID: "msg-123",
		StatusCode: 201,
		Body:       body,
	}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "user:1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.ResourceID != "msg-123" || cached.StatusCode != 201 {
		t.Fatalf("unexpected cached result %+v", cached)
	}
	if string(cached.Body) != string(body) || cached.CreatedAt == 0 {
		t.Errorf("body or timestamp not kept: %+v", cached)
	}
}

func TestIdempotency_ScopeIsolation(t *testing.T) {
	svc := NewIdempotencyService(setupTestRedis(t), zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user:A", "same-key"); err != nil {
		t.Fatalf("user A failed: %v", err)
	}
	result, err := svc.CheckOrReserve(ctx, "user:B", "same-key")
	if err != nil || result != nil {
		t.Fatalf("user B should get a fresh reservation, got %+v, %v", result, err)
	}
}

func TestIdempotency_ReleaseAllowsRetry(t *testing.T) {
	svc := NewIdempotencyService(setupTestRedis(t), zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user:1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Release(ctx, "user:1", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "user:1", "key-1"); err != nil {
		t.Fatalf("retry after release should reserve again, got %v", err)
	}
}

func TestIdempotency_ReleaseKeepsStoredResult(t *testing.T) {
	svc := NewIdempotencyService(setupTestRedis(t), zap.NewNop())
	ctx := context.Background()

	_ = svc.Store(ctx, "user:1", "key-1", &IdempotencyResult{ResourceID: "msg-1", StatusCode: 201}, IdempotencyTTL)
	if err := svc.Release(ctx, "user:1", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	cached, err := svc.Check(ctx, "user:1", "key-1")
	if err != nil || cached == nil || cached.ResourceID != "msg-1" {
		t.Errorf("stored result should survive release, got %+v, %v", cached, err)
	}
}
