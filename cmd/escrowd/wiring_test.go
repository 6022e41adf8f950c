package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/config"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/escrow"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/storage"
)

func TestOpenStorageBackends(t *testing.T) {
	dir := t.TempDir()
	for _, cfg := range []config.StorageConfig{
		{Backend: config.BackendMemory},
		{Backend: config.BackendLevelDB, Path: filepath.Join(dir, "leveldb")},
		{Backend: config.BackendBolt, Path: filepath.Join(dir, "escrow.db")},
	} {
		db, err := openStorage(cfg)
		require.NoError(t, err, cfg.Backend)
		require.NoError(t, db.Put([]byte("k"), []byte("v")))
		got, err := db.Get([]byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v"), got)
		db.Close()
	}
	_, err := openStorage(config.StorageConfig{Backend: "rocks"})
	require.Error(t, err)
}

func TestOpenQueueRejectsUnknownKind(t *testing.T) {
	q, err := openQueue(context.Background(), config.QueueConfig{Kind: config.QueueMemory, Size: 4})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	_, err = openQueue(context.Background(), config.QueueConfig{Kind: "kafka"})
	require.Error(t, err)
}

func TestSchedulerStackRegistersOnTaskQueue(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.StoreDSN = "sqlite://" + filepath.Join(t.TempDir(), "tasks.db")
	var executor crypto.Address
	executor[0] = 0xee
	cfg.Scheduler.Executor = executor.String()

	engine := escrow.NewEngine(storage.NewMemDB())
	stack, err := newSchedulerStack(context.Background(), cfg.Scheduler, cfg.Escrow.CrankReward, engine, slog.Default())
	require.NoError(t, err)
	defer stack.Close()
	require.NotNil(t, stack.processor)

	var maker, assetA, assetB crypto.Address
	maker[0], assetA[0], assetB[0] = 0x11, 0xa1, 0xb2
	require.NoError(t, engine.FundNative(maker, 10_000_000))
	_, err = engine.Mint(maker, assetA, 10)
	require.NoError(t, err)
	_, err = engine.Open(maker, escrow.OpenParams{Nonce: 1, Deposit: 5, AmountRequested: 5, AssetOffered: assetA, AssetRequested: assetB})
	require.NoError(t, err)

	task, err := engine.ScheduleAutoCancel(context.Background(), maker, 1, 3, 0)
	require.NoError(t, err)
	require.Equal(t, escrow.TaskQueue().String(), task.Queue)

	listed, err := stack.service.List(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestSchedulerStackRejectsBadExecutor(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.StoreDSN = "sqlite://" + filepath.Join(t.TempDir(), "tasks.db")
	cfg.Scheduler.Executor = "not-an-address"
	_, err := newSchedulerStack(context.Background(), cfg.Scheduler, 1, escrow.NewEngine(storage.NewMemDB()), slog.Default())
	require.Error(t, err)
}
