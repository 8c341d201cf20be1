package run

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	xerrors "MCR-Agent/internal/errors"
	"MCR-Agent/internal/workflow"
)

type fakeExecutor struct {
	executed atomic.Int32
	latency  time.Duration
	failures int32
	result   workflow.Outcome
	failWith error
}

func (f *fakeExecutor) Run(ctx context.Context, req workflow.Request) (*workflow.FinalResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	attempt := f.executed.Add(1)
	if f.failWith != nil && attempt <= f.failures {
		return nil, f.failWith
	}
	outcome := f.result
	if outcome == "" {
		outcome = workflow.OutcomeSucceeded
	}
	return &workflow.FinalResult{
		CorrelationID: req.CorrelationID,
		Outcome:       outcome,
	}, nil
}

func startProcessor(t *testing.T, ctx context.Context, p *Processor) {
	t.Helper()
	go func() {
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
}

func waitForStatus(t *testing.T, store Store, id string, want Status) *Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if r.Status == want {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	r, _ := store.Get(context.Background(), id)
	t.Fatalf("run %s never reached %s, last state %+v", id, want, r)
	return nil
}

func TestProcessorHandlesConcurrentRuns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))
	startProcessor(t, ctx, processor)

	const total = 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, SubmitRequest{
			Prompt:    fmt.Sprintf("plead guilty on T-%d", i),
			SessionID: "s-1",
		}); err != nil {
			t.Fatalf("submit run %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := store.Stats(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Succeeded == total {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != total {
		t.Fatalf("expected %d succeeded runs, got %+v", total, stats)
	}
	if got := executor.executed.Load(); got != total {
		t.Fatalf("expected %d executions, got %d", total, got)
	}
}

func TestProcessorTreatsPolicyStopAsCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{result: workflow.OutcomeStoppedByPolicy}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(1))
	startProcessor(t, ctx, processor)

	submitted, err := service.Submit(ctx, SubmitRequest{Prompt: "plead guilty on T-999"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	r := waitForStatus(t, store, submitted.ID, StatusSucceeded)
	if r.Result == nil || r.Result.Outcome != workflow.OutcomeStoppedByPolicy {
		t.Fatalf("expected stored policy-stop result, got %+v", r.Result)
	}
	if got := executor.executed.Load(); got != 1 {
		t.Fatalf("policy stop must never be replayed, executed %d times", got)
	}
}

func TestProcessorSkipsConcurrentlyClaimedRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue)

	submitted, err := service.Submit(ctx, SubmitRequest{Prompt: "plead guilty on T-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// 另一工作协程先一步领取了这次运行。
	if _, err := store.Claim(ctx, submitted.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := processor.handle(ctx, submitted.ID); err != nil {
		t.Fatalf("conflicting claim must be skipped, got %v", err)
	}
	if got := executor.executed.Load(); got != 0 {
		t.Fatalf("run executed %d times despite being claimed elsewhere", got)
	}

	r, err := store.Get(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.Status != StatusRunning {
		t.Fatalf("expected run to stay running, got %s", r.Status)
	}
}

func TestProcessorRetriesRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		failures: 1,
		failWith: xerrors.New(CodeRunProcessing, "transient processing failure"),
	}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(1))
	startProcessor(t, ctx, processor)

	submitted, err := service.Submit(ctx, SubmitRequest{Prompt: "plead guilty on T-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	r := waitForStatus(t, store, submitted.ID, StatusSucceeded)
	if r.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", r.Attempts)
	}
}

func TestProcessorDoesNotRetryInvalidRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		failures: 10,
		failWith: xerrors.New(xerrors.CodeInvalidArgument, "无法识别票据号"),
	}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(1))
	startProcessor(t, ctx, processor)

	submitted, err := service.Submit(ctx, SubmitRequest{Prompt: "plead guilty"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	r := waitForStatus(t, store, submitted.ID, StatusFailed)

	// 非可重试错误只执行一次，之后状态稳定在 failed。
	time.Sleep(100 * time.Millisecond)
	if got := executor.executed.Load(); got != 1 {
		t.Fatalf("non-retryable failure executed %d times", got)
	}
	if r.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("unexpected error code %q", r.ErrorCode)
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)

	first, err := service.Submit(ctx, SubmitRequest{ID: "client-1", Prompt: "details for T-1"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(ctx, SubmitRequest{ID: "client-1", Prompt: "details for T-1"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same run, got %s and %s", first.ID, second.ID)
	}

	runs, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected single run record, got %d", len(runs))
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(16), 3)

	_, err := service.Submit(context.Background(), SubmitRequest{Prompt: "   "})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if xerrors.CodeOf(err) != CodeRunValidation {
		t.Fatalf("expected %s, got %s", CodeRunValidation, xerrors.CodeOf(err))
	}
}

func TestServiceGeneratesRunID(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(16), 3)

	r, err := service.Submit(context.Background(), SubmitRequest{Prompt: "details for T-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.ID == "" {
		t.Fatal("expected generated run id")
	}
	if r.Status != StatusPending {
		t.Fatalf("expected pending, got %s", r.Status)
	}
	if r.Output != workflow.OutputStructured {
		t.Fatalf("expected normalized output mode, got %s", r.Output)
	}
}
