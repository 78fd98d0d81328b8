package main

import (
	"context"
	"encoding/json"
	"fmt"

	"lpguard/internal/closeorder"
	"lpguard/internal/domain"
	"lpguard/internal/evm"
	"lpguard/internal/runtime"
)

// effectHandlers binds each strategy effect kind to its external action.
func effectHandlers(stores *serverStores, machine *closeorder.Machine, positions *evm.PositionManager) map[domain.EffectKind]runtime.EffectHandler {
	return map[domain.EffectKind]runtime.EffectHandler{
		domain.EffectClosePosition: closePositionHandler(stores, machine),
		domain.EffectCollectFees:   collectFeesHandler(stores, positions),
		domain.EffectCancelOrder:   cancelOrderHandler(machine),
	}
}

// closePositionHandler routes a close-position effect through the
// protective close order covering the position. The machine records the
// attempt and drives the chain; the resulting transaction hash comes
// from the completed attempt row.
func closePositionHandler(stores *serverStores, machine *closeorder.Machine) runtime.EffectHandler {
	return func(ctx context.Context, effect domain.Effect) (string, error) {
		var p struct {
			PositionID string `json:"position_id"`
			Tick       int32  `json:"tick"`
		}
		if err := json.Unmarshal(effect.Payload, &p); err != nil {
			return "", fmt.Errorf("%w: close-position payload: %v", domain.ErrValidation, err)
		}

		orders, err := stores.closeOrders.ListByStrategy(ctx, effect.StrategyID)
		if err != nil {
			return "", err
		}
		for _, o := range orders {
			if o.PositionID != p.PositionID || o.Status.Terminal() {
				continue
			}
			updated, err := machine.HandleTick(ctx, o.Key(), p.Tick, o.TriggerPrice)
			if err != nil {
				return "", err
			}
			switch updated.Status {
			case domain.OrderExecuted:
				return lastAttemptHash(ctx, stores, o.Key())
			case domain.OrderFailed:
				return "", fmt.Errorf("%w: order %s exhausted its retry budget", domain.ErrInternal, o.Key())
			default:
				// Trigger not satisfied or attempt returned to monitoring.
				return "", fmt.Errorf("%w: order %s not executed, status %s",
					domain.ErrUpstreamUnavailable, o.Key(), updated.Status)
			}
		}
		return "", fmt.Errorf("%w: no close order covers position %s of strategy %s",
			domain.ErrNotFound, p.PositionID, effect.StrategyID)
	}
}

func lastAttemptHash(ctx context.Context, stores *serverStores, orderKey string) (string, error) {
	attempts, err := stores.executions.ListByOrder(ctx, orderKey)
	if err != nil {
		return "", err
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Status == domain.ExecutionCompleted {
			return attempts[i].TxHash, nil
		}
	}
	return "", nil
}

// collectFeesHandler collects accrued position fees to the strategy's
// wallet.
func collectFeesHandler(stores *serverStores, positions *evm.PositionManager) runtime.EffectHandler {
	return func(ctx context.Context, effect domain.Effect) (string, error) {
		var p struct {
			PositionID string `json:"position_id"`
		}
		if err := json.Unmarshal(effect.Payload, &p); err != nil {
			return "", fmt.Errorf("%w: collect-fees payload: %v", domain.ErrValidation, err)
		}
		record, err := stores.strategies.GetByID(ctx, effect.StrategyID)
		if err != nil {
			return "", err
		}
		return positions.CollectFees(ctx, p.PositionID, record.Wallet)
	}
}

// cancelOrderHandler cancels the named close order on chain and in the
// store.
func cancelOrderHandler(machine *closeorder.Machine) runtime.EffectHandler {
	return func(ctx context.Context, effect domain.Effect) (string, error) {
		if effect.OrderKey == "" {
			return "", fmt.Errorf("%w: cancel-order effect has no order key", domain.ErrValidation)
		}
		if _, err := machine.Cancel(ctx, effect.OrderKey); err != nil {
			return "", err
		}
		return "", nil
	}
}
