// Package worker выполняет jobs для DISPATCHED steps.
//
// Воркер получает steps двумя путями: событием steps.dispatched из
// RabbitMQ (основной) и периодическим polling'ом DISPATCHED steps в БД
// (fallback на случай недоступного брокера или потерянных событий).
// Несколько воркеров безопасно делят одну очередь: переход
// DISPATCHED → RUNNING защищён guard'ом по прежнему статусу, проигравший
// просто пропускает step.
//
// Исход job решает следующий переход: completed завершает step (либо,
// при наличии дочернего блока, оставляет его RUNNING до roll-up'а
// диспетчера), retry возвращает в PENDING с backoff-задержкой, skip и
// stop закрывают step без повторов. Паника в job ловится и
// превращается в FAILED со stack trace'ом.
package worker
