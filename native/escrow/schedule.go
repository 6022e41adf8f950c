package escrow

import (
	"context"
	"fmt"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/scheduler"
)

// ScheduleAutoCancel registers a future AutoCancel of (caller, nonce) with the
// scheduler, signed by the queue authority. expiry is a unix time; zero
// means the record's maturity time. The caller pays the crank reward into
// the reward pool. Nothing is kept that would allow the call to be withdrawn
// later.
func (e *Engine) ScheduleAutoCancel(ctx context.Context, caller crypto.Address, nonce uint64, taskID uint16, expiry int64) (*scheduler.Task, error) {
	var task *scheduler.Task
	err := e.apply("schedule_auto_cancel", func(tx *txContext) (string, error) {
		if e.registrar == nil {
			return "", errNoScheduler
		}
		addrs, rec, err := e.scheduledRecord(tx, caller, nonce)
		if err != nil {
			return "", err
		}
		trigger := expiry
		if trigger == 0 {
			trigger = int64(rec.MaturesAt())
		}
		if trigger <= tx.now {
			return "", fmt.Errorf("%w: %d is not after %d", ErrInvalidExpiry, trigger, tx.now)
		}

		signer, err := queueSigner()
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrCompileTransaction, err)
		}
		ix := AutoCancelInstruction(addrs.Accounts(rec.Maker, rec.AssetOffered), nonce)
		call, err := scheduler.CompileTransaction(signer, []scheduler.Instruction{ix})
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrCompileTransaction, err)
		}

		reward := tx.params.CrankReward
		held, err := tx.ledger.NativeBalance(caller)
		if err != nil {
			return "", err
		}
		if held < reward {
			return "", fmt.Errorf("%w: crank reward %d, have %d", ErrInsufficientDeposit, reward, held)
		}
		registered, created, err := e.registrar.RegisterTask(ctx, scheduler.RegisterRequest{
			Queue:       e.queue,
			Authority:   signer.Address(),
			TaskID:      taskID,
			TriggerAt:   trigger,
			Call:        call,
			Reward:      reward,
			Description: fmt.Sprintf("auto-refund-%d", nonce),
		})
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrSchedulerRejected, err)
		}
		task = registered
		if !created {
			return "existing", nil
		}
		if err := tx.ledger.TransferNative(caller, rewardPool, reward); err != nil {
			return "", ledgerErr(err)
		}
		tx.emit(NewAutoCancelScheduledEvent(addrs.Record, rec, taskID, trigger, reward, tx.now))
		return "ok", nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (e *Engine) scheduledRecord(tx *txContext, caller crypto.Address, nonce uint64) (Addresses, *Record, error) {
	addr, _, err := RecordAddress(caller, nonce)
	if err != nil {
		return Addresses{}, nil, err
	}
	rec, err := tx.mustRecord(addr)
	if err != nil {
		return Addresses{}, nil, err
	}
	if rec.Maker != caller {
		return Addresses{}, nil, ErrUnauthorized
	}
	addrs, err := DeriveAddresses(rec.Maker, nonce, rec.AssetOffered)
	if err != nil {
		return Addresses{}, nil, err
	}
	return addrs, rec, nil
}

// PayReward pays a crank reward out of the reward pool. It satisfies
// scheduler.RewardPayer.
func (e *Engine) PayReward(_ context.Context, to crypto.Address, amount uint64) error {
	return e.apply("pay_reward", func(tx *txContext) (string, error) {
		if err := tx.ledger.TransferNative(rewardPool, to, amount); err != nil {
			return "", ledgerErr(err)
		}
		return "ok", nil
	})
}

// Dispatcher executes scheduled escrow calls. It satisfies
// scheduler.Executor.
type Dispatcher struct {
	engine *Engine
}

// NewDispatcher binds a dispatcher to engine.
func NewDispatcher(engine *Engine) *Dispatcher { return &Dispatcher{engine: engine} }

// Execute runs every AutoCancel instruction of a scheduled call. Only calls
// paid for by the queue authority are accepted.
func (d *Dispatcher) Execute(_ context.Context, exec scheduler.ExecutionContext) error {
	if exec.Payer != queueAuthority {
		return fmt.Errorf("%w: call not signed by queue authority", ErrUnauthorized)
	}
	for _, ix := range exec.Instructions {
		accounts, nonce, err := DecodeAutoCancel(ix)
		if err != nil {
			return err
		}
		if _, err := d.engine.AutoCancel(exec.Executor, accounts, nonce); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ scheduler.Executor    = (*Dispatcher)(nil)
	_ scheduler.RewardPayer = (*Engine)(nil)
)
