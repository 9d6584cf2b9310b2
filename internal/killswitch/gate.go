package killswitch

import (
	"context"

	"killswitch/internal/models"
)

// ExecutionGate - обязательная проверка перед исполнением ордера.
//
//	err := gate.Execute(ctx, func(ctx context.Context, factor float64) error {
//	    return placeOrder(ctx, qty*factor)
//	})
//	if errors.Is(err, killswitch.ErrTradingBlocked) { ... }
type ExecutionGate struct {
	core *Core
}

// NewExecutionGate создаёт gate поверх ядра
func NewExecutionGate(core *Core) *ExecutionGate {
	return &ExecutionGate{core: core}
}

// CheckCanExecute возвращает *TradingBlockedError, если исполнение запрещено:
// в KILLED и в RECOVERING с нулевым множителем (cooldown).
func (g *ExecutionGate) CheckCanExecute() error {
	_, err := g.check()
	return err
}

// Execute выполняет fn только если исполнение разрешено.
// fn получает текущий position limit factor.
func (g *ExecutionGate) Execute(ctx context.Context, fn func(ctx context.Context, factor float64) error) error {
	st, err := g.check()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, st.PositionLimitFactor)
}

func (g *ExecutionGate) check() (Status, error) {
	st := g.core.GetStatus()
	if !st.Blocked() {
		return st, nil
	}

	reason := st.LastReason
	if st.State == models.StateRecovering {
		reason = "recovery cooldown"
	}
	return st, &TradingBlockedError{
		State:  st.State,
		Reason: reason,
		Factor: st.PositionLimitFactor,
	}
}

// Wrap оборачивает функцию с результатом проверкой gate
func Wrap[T any](g *ExecutionGate, fn func(ctx context.Context, factor float64) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var out T
		err := g.Execute(ctx, func(ctx context.Context, factor float64) error {
			var err error
			out, err = fn(ctx, factor)
			return err
		})
		return out, err
	}
}
