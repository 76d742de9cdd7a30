package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/quantora/steprunner/internal/telemetry"
)

// Throttler — admission control перед исходящими вызовами провайдеров.
//
// Job-тела вызывают CheckAdmission непосредственно перед запросом и
// RecordUsage/RecordBan после ответа. Все воркеры одного IP видят
// одни и те же счётчики через общий кэш.
type Throttler struct {
	cache  Cache
	limits *Limits
	logger *slog.Logger

	// now подменяется в тестах.
	now func() time.Time
}

// New создаёт Throttler.
func New(cache Cache, limits *Limits, logger *slog.Logger) *Throttler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttler{
		cache:  cache,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

// CheckAdmission решает, безопасен ли сейчас вызов провайдера.
//
// Возвращает 0, если вызов можно делать, иначе — сколько ждать.
// Фаза 1: бан (provider, ip). Фаза 2: близость каждого счётчика
// к своему лимиту. Ошибки кэша деградируют в fail-open: лучше
// лишний запрос, чем глобальный стоп при падении координации.
func (t *Throttler) CheckAdmission(ctx context.Context, provider, ip, account string) time.Duration {
	if wait := t.banRemaining(ctx, provider, ip); wait > 0 {
		telemetry.ThrottleDenials.WithLabelValues(provider, "ban").Inc()
		return wait
	}

	var maxWait time.Duration
	now := t.now()

	for _, limit := range t.limits.For(provider) {
		scopeID := ip
		if limit.Scope == ScopeAccount {
			if account == "" {
				continue
			}
			scopeID = account
		}

		key := t.usageKey(provider, limit, scopeID, now)
		raw, err := t.cache.Get(ctx, key)
		if errors.Is(err, ErrCacheMiss) {
			continue
		}
		if err != nil {
			t.failOpen(provider, "read usage counter", err)
			continue
		}

		usage, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			t.failOpen(provider, "parse usage counter", err)
			continue
		}

		if float64(usage) >= limit.threshold()*float64(limit.Limit) {
			telemetry.ThrottleDenials.WithLabelValues(provider, limit.Class).Inc()
			if wait := t.windowRemaining(limit, now); wait > maxWait {
				maxWait = wait
			}
		}
	}

	return maxWait
}

// RecordUsage скармливает Throttler'у usage из заголовков ответа.
//
// Счётчики с настроенным заголовком перезаписываются репортом
// провайдера; остальные считаются локально через Incr.
func (t *Throttler) RecordUsage(ctx context.Context, provider, ip, account string, headers map[string]string) {
	now := t.now()

	for _, limit := range t.limits.For(provider) {
		scopeID := ip
		if limit.Scope == ScopeAccount {
			if account == "" {
				continue
			}
			scopeID = account
		}

		key := t.usageKey(provider, limit, scopeID, now)
		ttl := t.windowRemaining(limit, now)

		if limit.Header != "" {
			raw, ok := headers[limit.Header]
			if ok {
				if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
					t.logger.Warn("unparseable usage header",
						"provider", provider,
						"header", limit.Header,
						"value", raw,
					)
					continue
				}
				// Provider truth: перезапись, не инкремент.
				if err := t.cache.Set(ctx, key, raw, ttl); err != nil {
					t.failOpen(provider, "write usage counter", err)
				}
				continue
			}
			// Заголовок настроен, но в ответе отсутствует — падаем
			// обратно на локальный счётчик.
		}

		if _, err := t.cache.Incr(ctx, key, ttl); err != nil {
			t.failOpen(provider, "increment local counter", err)
		}
	}
}

// RecordBan записывает бан IP, немедленно видимый всем воркерам
// этого IP при следующем admission check.
func (t *Throttler) RecordBan(ctx context.Context, provider, ip string, retryAfter time.Duration) {
	until := t.now().Add(retryAfter)
	key := banKey(provider, ip)

	if err := t.cache.Set(ctx, key, until.Format(time.RFC3339Nano), retryAfter); err != nil {
		t.failOpen(provider, "write ban record", err)
		return
	}

	t.logger.Warn("provider ban recorded",
		"provider", provider,
		"ip", ip,
		"banned_until", until,
	)
}

// IsBanned проверяет наличие неистёкшего бана для (provider, ip).
func (t *Throttler) IsBanned(ctx context.Context, provider, ip string) bool {
	return t.banRemaining(ctx, provider, ip) > 0
}

// banRemaining возвращает остаток бана (0 — бана нет).
func (t *Throttler) banRemaining(ctx context.Context, provider, ip string) time.Duration {
	raw, err := t.cache.Get(ctx, banKey(provider, ip))
	if errors.Is(err, ErrCacheMiss) {
		return 0
	}
	if err != nil {
		t.failOpen(provider, "read ban record", err)
		return 0
	}

	until, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t.failOpen(provider, "parse ban record", err)
		return 0
	}

	remaining := until.Sub(t.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// usageKey — ключ счётчика. Per-IP и per-account счётчики живут в
// разных namespace'ах (scope в ключе); окно входит в ключ, чтобы
// счётчик нового окна начинался с чистого листа.
func (t *Throttler) usageKey(provider string, limit Limit, scopeID string, now time.Time) string {
	bucket := now.Truncate(limit.Window).Unix()
	return fmt.Sprintf("throttle:usage:%s:%s:%s:%s:%d",
		provider, limit.Scope, scopeID, limit.Class, bucket)
}

// windowRemaining — время до конца текущего окна лимита.
func (t *Throttler) windowRemaining(limit Limit, now time.Time) time.Duration {
	windowStart := now.Truncate(limit.Window)
	return windowStart.Add(limit.Window).Sub(now)
}

func banKey(provider, ip string) string {
	return fmt.Sprintf("throttle:ban:%s:%s", provider, ip)
}

// failOpen логирует ошибку координации; допуск при этом не блокируется.
func (t *Throttler) failOpen(provider, op string, err error) {
	telemetry.ThrottleFailOpen.WithLabelValues(provider).Inc()
	t.logger.Warn("throttle cache error, failing open",
		"provider", provider,
		"op", op,
		"error", err,
	)
}
