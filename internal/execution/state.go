package execution

import (
	"fmt"
	"time"
)

// InvalidStateError 当前状态下不允许的操作（如撤销终态订单）。
type InvalidStateError struct {
	OrderID string
	State   Status
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("order %s: operation %q illegal in state %s", e.OrderID, e.Op, e.State)
}

// IsTerminal 终态订单不再接受任何字段变更。
func IsTerminal(s Status) bool {
	switch s {
	case Filled, Cancelled, Rejected, Expired:
		return true
	}
	return false
}

// validTransitions 订单状态机：
// PENDING → SUBMITTED → {PARTIAL ⇄, FILLED, CANCELLED, REJECTED, EXPIRED}。
var validTransitions = map[Status]map[Status]bool{
	Pending: {
		Submitted: true,
		Rejected:  true,
		Cancelled: true,
	},
	Submitted: {
		Partial:   true,
		Filled:    true,
		Cancelled: true,
		Rejected:  true,
		Expired:   true,
	},
	Partial: {
		Partial:   true, // 追加成交
		Filled:    true,
		Cancelled: true,
		Expired:   true,
	},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to Status) bool {
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// transition 执行状态迁移并刷新 UpdateTime，非法迁移返回 InvalidStateError。
func (o *Order) transition(to Status, at time.Time) error {
	if !CanTransition(o.Status, to) {
		return &InvalidStateError{OrderID: o.ID, State: o.Status, Op: "transition to " + string(to)}
	}
	o.Status = to
	o.UpdateTime = at
	return nil
}

// applyFill 记录一笔成交并推进状态。追加成交按成交量加权合并均价。
func (o *Order) applyFill(price, volume float64, at time.Time) error {
	if IsTerminal(o.Status) {
		return &InvalidStateError{OrderID: o.ID, State: o.Status, Op: "fill"}
	}
	newFilled := o.FilledVolume + volume
	if newFilled > o.Volume {
		return &OrderError{OrderID: o.ID, Reason: fmt.Sprintf("fill volume %v exceeds order volume %v", newFilled, o.Volume)}
	}
	o.FilledPrice = weightedAverage(o.FilledPrice, o.FilledVolume, price, volume)
	o.FilledVolume = newFilled
	if newFilled >= o.Volume {
		return o.transition(Filled, at)
	}
	return o.transition(Partial, at)
}
