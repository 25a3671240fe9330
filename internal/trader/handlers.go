package trader

import (
	"encoding/json"
	"fmt"
)

type CommandHandler struct{}

func (h *CommandHandler) Type() EventType { return EvtCommand }

func (h *CommandHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p CommandPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return ctx.Trader().handleCommand(p.Command, traceID)
}

type TriggerHitHandler struct{}

func (h *TriggerHitHandler) Type() EventType { return EvtTriggerHit }

func (h *TriggerHitHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p TriggerHitPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal trigger hit: %w", err)
	}
	return ctx.Trader().handleTriggerHit(p.Hit)
}

type OrderResultHandler struct{}

func (h *OrderResultHandler) Type() EventType { return EvtOrderResult }

func (h *OrderResultHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p OrderResultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal order result: %w", err)
	}
	return ctx.Trader().handleOrderResult(p)
}

type OrderUpdateHandler struct{}

func (h *OrderUpdateHandler) Type() EventType { return EvtOrderUpdate }

func (h *OrderUpdateHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p OrderUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal order update: %w", err)
	}
	return ctx.Trader().handleOrderUpdate(p.Update)
}

type ManualResolveHandler struct{}

func (h *ManualResolveHandler) Type() EventType { return EvtManualResolve }

func (h *ManualResolveHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p ManualResolvePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal manual resolve: %w", err)
	}
	return ctx.Trader().handleManualResolve(p)
}
