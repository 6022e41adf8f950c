package escrow

import (
	"strconv"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/types"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
)

const (
	EventTypeOpened             = "escrow.opened"
	EventTypeAccepted           = "escrow.accepted"
	EventTypeCancelled          = "escrow.cancelled"
	EventTypeAutoCancelled      = "escrow.auto_cancelled"
	EventTypeAutoCancelSchedule = "escrow.auto_cancel_scheduled"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewOpenedEvent returns the payload emitted when a record and its vault are
// created.
func NewOpenedEvent(addr crypto.Address, rec *Record, ts int64) *types.Event {
	return newRecordEvent(EventTypeOpened, addr, rec, ts)
}

// NewAcceptedEvent returns the payload emitted when a taker settles a record.
func NewAcceptedEvent(addr crypto.Address, rec *Record, taker crypto.Address, released uint64, ts int64) *types.Event {
	evt := newRecordEvent(EventTypeAccepted, addr, rec, ts)
	evt.Attributes["taker"] = taker.String()
	evt.Attributes["released"] = strconv.FormatUint(released, 10)
	return evt
}

// NewCancelledEvent returns the payload emitted when the maker cancels.
func NewCancelledEvent(addr crypto.Address, rec *Record, refunded uint64, ts int64) *types.Event {
	evt := newRecordEvent(EventTypeCancelled, addr, rec, ts)
	evt.Attributes["refunded"] = strconv.FormatUint(refunded, 10)
	return evt
}

// NewAutoCancelledEvent returns the payload emitted when a scheduled
// cancellation closed something.
func NewAutoCancelledEvent(addr crypto.Address, rec *Record, executor crypto.Address, outcome Outcome, refunded uint64, ts int64) *types.Event {
	evt := newRecordEvent(EventTypeAutoCancelled, addr, rec, ts)
	evt.Attributes["executor"] = executor.String()
	evt.Attributes["outcome"] = string(outcome)
	evt.Attributes["refunded"] = strconv.FormatUint(refunded, 10)
	return evt
}

// NewAutoCancelScheduledEvent returns the payload emitted after the
// cancellation was handed to the scheduler.
func NewAutoCancelScheduledEvent(addr crypto.Address, rec *Record, taskID uint16, triggerAt int64, reward uint64, ts int64) *types.Event {
	evt := newRecordEvent(EventTypeAutoCancelSchedule, addr, rec, ts)
	evt.Attributes["taskId"] = strconv.FormatUint(uint64(taskID), 10)
	evt.Attributes["triggerAt"] = strconv.FormatInt(triggerAt, 10)
	evt.Attributes["reward"] = strconv.FormatUint(reward, 10)
	return evt
}

func newRecordEvent(eventType string, addr crypto.Address, rec *Record, ts int64) *types.Event {
	attrs := map[string]string{"record": addr.String()}
	evt := &types.Event{Type: eventType, Timestamp: ts, Attributes: attrs}
	if rec == nil {
		return evt
	}
	attrs["maker"] = rec.Maker.String()
	attrs["nonce"] = strconv.FormatUint(rec.Nonce, 10)
	attrs["assetOffered"] = rec.AssetOffered.String()
	attrs["assetRequested"] = rec.AssetRequested.String()
	attrs["deposit"] = strconv.FormatUint(rec.Deposit, 10)
	attrs["amountRequested"] = strconv.FormatUint(rec.AmountRequested, 10)
	attrs["openedAt"] = strconv.FormatUint(rec.OpenedAt, 10)
	attrs["maturesAt"] = strconv.FormatUint(rec.MaturesAt(), 10)
	return evt
}
