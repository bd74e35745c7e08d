package bvm

import (
	"log/slog"
	"sync"

	"github.com/fortiblox/bvm/internal/types"
)

// FundsEvent is one recorded lock or unlock.
type FundsEvent struct {
	Cid    types.ContractID
	Aid    types.AssetID
	Amount types.Amount
	Lock   bool
}

// CallEvent is one recorded far call.
type CallEvent struct {
	Depth  int
	Cid    types.ContractID
	Method uint32
}

// Recorder is a Tracer that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	Calls  []CallEvent
	Funds  []FundsEvent
	Faults []error
}

// OnCallFar implements Tracer.
func (r *Recorder) OnCallFar(depth int, cid types.ContractID, method uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, CallEvent{Depth: depth, Cid: cid, Method: method})
}

// OnFunds implements Tracer.
func (r *Recorder) OnFunds(cid types.ContractID, aid types.AssetID, amount types.Amount, lock bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Funds = append(r.Funds, FundsEvent{Cid: cid, Aid: aid, Amount: amount, Lock: lock})
}

// OnFault implements Tracer.
func (r *Recorder) OnFault(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Faults = append(r.Faults, err)
}

// Locks returns the recorded lock events.
func (r *Recorder) Locks() []FundsEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []FundsEvent
	for _, e := range r.Funds {
		if e.Lock {
			out = append(out, e)
		}
	}
	return out
}

// LogTracer writes engine events to a logger at debug level.
type LogTracer struct {
	Logger *slog.Logger
}

// OnCallFar implements Tracer.
func (t LogTracer) OnCallFar(depth int, cid types.ContractID, method uint32) {
	t.Logger.Debug("call far", "depth", depth, "cid", cid.String(), "method", method)
}

// OnFunds implements Tracer.
func (t LogTracer) OnFunds(cid types.ContractID, aid types.AssetID, amount types.Amount, lock bool) {
	t.Logger.Debug("funds", "cid", cid.String(), "aid", aid, "amount", amount, "lock", lock)
}

// OnFault implements Tracer.
func (t LogTracer) OnFault(err error) {
	t.Logger.Warn("fault", "err", err)
}
