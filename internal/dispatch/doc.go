// Package dispatch — ядро оркестрации: тик диспетчера, каскадные фазы,
// назначение полос и circuit breaker.
//
// Каждая полоса тикается независимо: тик берёт замок допуска полосы и
// прогоняет фиксированную последовательность фаз (skip/cancel-каскады,
// roll-up родителей, исчерпание retry, диспетчеризация). Фаза, что-то
// изменившая, завершает тик — каскад расходится по дереву слоями, по
// одному за тик. Это сознательный eventual-consistency контракт: он
// ограничивает объём состояния, который трогает один тик, и держит
// запросы фаз маленькими; глубокое дерево устаканивается за несколько
// тиков субсекундной каденции.
//
// State Store — единственный источник истины; все мутации статусов
// идут через машину состояний domain и optimistic-guard UpdateStatus,
// поэтому конкурирующие процессы не затирают чужие переходы.
package dispatch
