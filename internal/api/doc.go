// Package api реализует HTTP API диспетчера.
//
// Поверхность: создание и просмотр steps, отмена, дочерние блоки,
// schedules и управление circuit breaker'ом (включая проверку
// can_safely_restart перед рестартом деплоймента).
//
// Построен на стандартном net/http с method-based routing (Go 1.22+).
package api
