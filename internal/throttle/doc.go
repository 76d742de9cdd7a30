// Package throttle — распределённый admission control для rate-limit'ов
// внешних провайдеров (бирж).
//
// Много воркеров делят один исходящий IP, поэтому локального счётчика
// запросов недостаточно: воркеры координируются через общий кэш.
// Throttler — это кэш provider truth: счётчики перезаписываются
// значениями из заголовков ответов провайдера (не инкрементируются),
// поэтому воркерам не нужно договариваться об общем инкременте —
// достаточно последнего наблюдённого авторитетного значения.
// Локальный fixed-window счётчик используется только как fallback,
// когда провайдер не репортит usage.
//
// Проверка допуска двухфазная: сначала бан IP (provider, ip), затем
// близость каждого настроенного счётчика к своему лимиту. Порог
// близости намеренно ниже 1.0 — это запас на in-flight запросы
// воркеров, видящих слегка устаревший счётчик.
//
// Любая ошибка общего кэша трактуется как fail-open: деградация до
// локального best-effort, но никогда не глобальный стоп.
package throttle
