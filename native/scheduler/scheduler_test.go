package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto/authority"
)

var (
	testProgram = crypto.Address{0xe5}
	testQueue   = crypto.Address{0x91}
)

func testSigner(t *testing.T) authority.Signer {
	t.Helper()
	addr, bump, err := authority.Derive(testProgram, []byte("queue_authority"))
	require.NoError(t, err)
	signer, err := authority.NewSigner(testProgram, addr, bump, []byte("queue_authority"))
	require.NoError(t, err)
	return signer
}

func testCall(t *testing.T, signer authority.Signer, data byte) []byte {
	t.Helper()
	call, err := CompileTransaction(signer, []Instruction{{
		Program: testProgram,
		Accounts: []AccountMeta{
			{Address: crypto.Address{0x01}},
			{Address: crypto.Address{0x02}, Writable: true},
			{Address: crypto.Address{0x01}, Writable: true},
		},
		Data: []byte{data},
	}})
	require.NoError(t, err)
	return call
}

func TestCompileTransactionRoundTrip(t *testing.T) {
	signer := testSigner(t)
	call := testCall(t, signer, 7)

	tx, err := DecodeTransaction(call)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), tx.Payer())
	require.Equal(t, signer.Bump(), tx.PayerBump)
	// payer, program and two distinct accounts
	require.Len(t, tx.Accounts, 4)

	ixs := tx.Decompile()
	require.Len(t, ixs, 1)
	require.Equal(t, testProgram, ixs[0].Program)
	require.Equal(t, []byte{7}, ixs[0].Data)
	require.Len(t, ixs[0].Accounts, 3)
	// the duplicated account inherits the writable flag
	require.True(t, ixs[0].Accounts[0].Writable)
	require.True(t, ixs[0].Accounts[1].Writable)
}

func TestCompileTransactionFailures(t *testing.T) {
	signer := testSigner(t)
	cases := map[string]struct {
		signer authority.Signer
		ixs    []Instruction
	}{
		"no signer":       {signer: authority.Signer{}, ixs: []Instruction{{Program: testProgram}}},
		"no instructions": {signer: signer},
		"zero program":    {signer: signer, ixs: []Instruction{{}}},
		"foreign signer": {signer: signer, ixs: []Instruction{{
			Program:  testProgram,
			Accounts: []AccountMeta{{Address: crypto.Address{0x44}, Signer: true}},
		}}},
		"oversized data": {signer: signer, ixs: []Instruction{{Program: testProgram, Data: make([]byte, maxInstructionData+1)}}},
		"zero account": {signer: signer, ixs: []Instruction{{
			Program:  testProgram,
			Accounts: []AccountMeta{{}},
		}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := CompileTransaction(tc.signer, tc.ixs)
			require.ErrorIs(t, err, ErrCompile)
		})
	}
}

func TestDecodeTransactionRejectsGarbage(t *testing.T) {
	_, err := DecodeTransaction([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestDigestIsStable(t *testing.T) {
	require.Equal(t, Digest([]byte("abc")), Digest([]byte("abc")))
	require.NotEqual(t, Digest([]byte("abc")), Digest([]byte("abd")))
	require.Len(t, Digest(nil), 64)
}

func storeBackends(t *testing.T) map[string]Store {
	t.Helper()
	gormStore, err := OpenGormStore("sqlite://" + filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gormStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   gormStore,
	}
}

func TestStoreTransitions(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			task := &Task{ID: "t-1", Queue: "q", TaskID: 3, TriggerAt: 100, Call: []byte{1}, Status: StatusPending, MaxAttempts: 2}
			require.NoError(t, store.Create(ctx, task))
			require.ErrorIs(t, store.Create(ctx, task), ErrTaskConflict)

			active, err := store.FindActive(ctx, "q", 3)
			require.NoError(t, err)
			require.Equal(t, "t-1", active.ID)

			due, err := store.Due(ctx, 99, 10)
			require.NoError(t, err)
			require.Empty(t, due)
			due, err = store.Due(ctx, 100, 10)
			require.NoError(t, err)
			require.Len(t, due, 1)

			require.NoError(t, store.MarkQueued(ctx, "t-1"))
			require.ErrorIs(t, store.MarkQueued(ctx, "t-1"), ErrTaskConflict)

			claimed, err := store.Claim(ctx, "t-1")
			require.NoError(t, err)
			require.Equal(t, StatusRunning, claimed.Status)
			require.Equal(t, 1, claimed.Attempts)
			_, err = store.Claim(ctx, "t-1")
			require.ErrorIs(t, err, ErrTaskConflict)

			require.NoError(t, store.MarkFailed(ctx, "t-1", "boom", false))
			got, err := store.Get(ctx, "t-1")
			require.NoError(t, err)
			require.Equal(t, StatusPending, got.Status)
			require.Equal(t, "boom", got.LastError)

			_, err = store.Claim(ctx, "t-1")
			require.NoError(t, err)
			require.NoError(t, store.MarkSucceeded(ctx, "t-1", "exec"))
			got, err = store.Get(ctx, "t-1")
			require.NoError(t, err)
			require.Equal(t, StatusSucceeded, got.Status)
			require.Equal(t, 2, got.Attempts)
			require.Equal(t, "exec", got.Executor)

			_, err = store.FindActive(ctx, "q", 3)
			require.ErrorIs(t, err, ErrTaskNotFound)
			_, err = store.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrTaskNotFound)

			listed, err := store.List(ctx, "q", 10)
			require.NoError(t, err)
			require.Len(t, listed, 1)
		})
	}
}

func TestStoreRequeue(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Create(ctx, &Task{ID: "a", Queue: "q", TriggerAt: 1, Status: StatusPending, MaxAttempts: 1}))
			require.NoError(t, store.MarkQueued(ctx, "a"))
			n, err := store.Requeue(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			got, err := store.Get(ctx, "a")
			require.NoError(t, err)
			require.Equal(t, StatusPending, got.Status)
		})
	}
}

func newTestService(t *testing.T, now *time.Time) (*Service, *MemoryStore, *MemoryQueue, authority.Signer) {
	t.Helper()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	svc := NewService(store, queue, WithClock(func() time.Time { return *now }))
	signer := testSigner(t)
	require.NoError(t, svc.AddQueue(QueueConfig{
		Address:     testQueue,
		Authorities: []crypto.Address{signer.Address()},
		MinReward:   10,
		MaxAttempts: 2,
	}))
	return svc, store, queue, signer
}

func TestRegisterTaskValidation(t *testing.T) {
	now := time.Unix(1_000, 0)
	svc, _, _, signer := newTestService(t, &now)
	ctx := context.Background()
	call := testCall(t, signer, 1)

	base := RegisterRequest{Queue: testQueue, Authority: signer.Address(), TaskID: 1, TriggerAt: 2_000, Call: call, Reward: 10, Description: "auto-refund-1"}

	bad := base
	bad.Queue = crypto.Address{0x99}
	_, _, err := svc.RegisterTask(ctx, bad)
	require.ErrorIs(t, err, ErrQueueNotFound)

	bad = base
	bad.Authority = crypto.Address{0x99}
	_, _, err = svc.RegisterTask(ctx, bad)
	require.ErrorIs(t, err, ErrUnauthorizedQueue)

	bad = base
	bad.Reward = 9
	_, _, err = svc.RegisterTask(ctx, bad)
	require.ErrorIs(t, err, ErrRewardTooLow)

	bad = base
	bad.Call = []byte{0xff}
	_, _, err = svc.RegisterTask(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidTask)

	first, created, err := svc.RegisterTask(ctx, base)
	require.NoError(t, err)
	require.True(t, created)
	again, created, err := svc.RegisterTask(ctx, base)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	conflicting := base
	conflicting.Call = testCall(t, signer, 2)
	_, _, err = svc.RegisterTask(ctx, conflicting)
	require.ErrorIs(t, err, ErrDuplicateTask)
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []ExecutionContext
	err   error
}

func (r *recordingExecutor) Execute(_ context.Context, exec ExecutionContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, exec)
	return r.err
}

type recordingRewards struct {
	paid map[crypto.Address]uint64
}

func (r *recordingRewards) PayReward(_ context.Context, to crypto.Address, amount uint64) error {
	if r.paid == nil {
		r.paid = make(map[crypto.Address]uint64)
	}
	r.paid[to] += amount
	return nil
}

func TestCrankAndProcessPaysReward(t *testing.T) {
	now := time.Unix(1_000, 0)
	svc, store, queue, signer := newTestService(t, &now)
	ctx := context.Background()

	task, _, err := svc.RegisterTask(ctx, RegisterRequest{
		Queue: testQueue, Authority: signer.Address(), TaskID: 9, TriggerAt: 1_500,
		Call: testCall(t, signer, 5), Reward: 25, Description: "auto-refund-9",
	})
	require.NoError(t, err)

	n, err := svc.Crank(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "task is not due yet")

	now = time.Unix(1_600, 0)
	n, err = svc.Crank(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	executor := &recordingExecutor{}
	rewards := &recordingRewards{}
	identity := crypto.Address{0xcc}
	proc := NewProcessor(store, queue, executor, rewards, identity, WithProcessorClock(func() time.Time { return now }))

	id := <-queue.ch
	require.Equal(t, task.ID, id)
	require.NoError(t, proc.Handle(ctx, id))
	// a duplicate delivery is ignored
	require.NoError(t, proc.Handle(ctx, id))

	require.Len(t, executor.calls, 1)
	exec := executor.calls[0]
	require.Equal(t, signer.Address(), exec.Payer)
	require.Equal(t, identity, exec.Executor)
	require.Len(t, exec.Instructions, 1)
	require.Equal(t, []byte{5}, exec.Instructions[0].Data)
	require.Equal(t, uint64(25), rewards.paid[identity])

	stored, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, stored.Status)
}

func TestProcessorRetriesThenFails(t *testing.T) {
	now := time.Unix(5_000, 0)
	svc, store, queue, signer := newTestService(t, &now)
	ctx := context.Background()

	task, _, err := svc.RegisterTask(ctx, RegisterRequest{
		Queue: testQueue, Authority: signer.Address(), TaskID: 1, TriggerAt: 4_000,
		Call: testCall(t, signer, 1), Reward: 10,
	})
	require.NoError(t, err)

	executor := &recordingExecutor{err: errors.New("host unavailable")}
	rewards := &recordingRewards{}
	proc := NewProcessor(store, queue, executor, rewards, crypto.Address{0xcc})

	for attempt := 1; attempt <= 2; attempt++ {
		n, err := svc.Crank(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Error(t, proc.Handle(ctx, <-queue.ch))
	}
	stored, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
	require.Equal(t, 2, stored.Attempts)
	require.Equal(t, "host unavailable", stored.LastError)
	require.Empty(t, rewards.paid)

	n, err := svc.Crank(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMemoryQueueConsume(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 2)
	go func() {
		_ = queue.Consume(ctx, 2, func(_ context.Context, id string) error {
			got <- id
			return nil
		})
	}()
	require.NoError(t, queue.Publish(ctx, "x"))
	select {
	case id := <-got:
		require.Equal(t, "x", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	require.NoError(t, queue.Close())
	require.ErrorIs(t, queue.Publish(ctx, "y"), errQueueClosed)
}
