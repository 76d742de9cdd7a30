package job

import (
	"context"
	"fmt"
	"time"
)

// DelayAction — пауза на заданную длительность.
//
// Args: {"duration": "5s"}.
type DelayAction struct{}

// NewDelayAction создаёт DelayAction.
func NewDelayAction() *DelayAction {
	return &DelayAction{}
}

// Key возвращает ключ действия.
func (a *DelayAction) Key() string { return "delay" }

// Execute ждёт указанную длительность, уважая отмену контекста.
func (a *DelayAction) Execute(ctx context.Context, req *Request) (*Result, error) {
	raw, _ := req.Args["duration"].(string)
	if raw == "" {
		return nil, fmt.Errorf("delay: duration argument is required")
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("delay: parse duration %q: %w", raw, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
	}

	return Completed(map[string]any{"waited": d.String()}), nil
}

// ProbeAction — no-op для smoke-проверок конвейера: немедленно
// завершается с переданными аргументами в качестве результата.
type ProbeAction struct{}

// NewProbeAction создаёт ProbeAction.
func NewProbeAction() *ProbeAction {
	return &ProbeAction{}
}

// Key возвращает ключ действия.
func (a *ProbeAction) Key() string { return "probe" }

// Execute немедленно завершается успехом.
func (a *ProbeAction) Execute(_ context.Context, req *Request) (*Result, error) {
	return Completed(map[string]any{"echo": req.Args}), nil
}

// ThrottleWaitAction — резолюция для steps, припаркованных из-за
// rate-limit'а: проверяет допуск и либо завершается (путь свободен),
// либо просит retry через остаток ожидания.
//
// Args: {"provider": "binance", "ip": "...", "account": "..."}.
type ThrottleWaitAction struct{}

// NewThrottleWaitAction создаёт ThrottleWaitAction.
func NewThrottleWaitAction() *ThrottleWaitAction {
	return &ThrottleWaitAction{}
}

// Key возвращает ключ действия.
func (a *ThrottleWaitAction) Key() string { return "throttle.wait" }

// Execute проверяет admission и завершается либо переоткладывает step.
func (a *ThrottleWaitAction) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req.Throttler == nil {
		return nil, fmt.Errorf("throttle.wait: no throttler configured")
	}

	provider, _ := req.Args["provider"].(string)
	ip, _ := req.Args["ip"].(string)
	account, _ := req.Args["account"].(string)
	if provider == "" || ip == "" {
		return nil, fmt.Errorf("throttle.wait: provider and ip arguments are required")
	}

	if wait := req.Throttler.CheckAdmission(ctx, provider, ip, account); wait > 0 {
		return Retry(wait), nil
	}

	return Completed(map[string]any{"provider": provider}), nil
}
