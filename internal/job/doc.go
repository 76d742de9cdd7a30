// Package job — граница между ядром и телами jobs.
//
// Ядро не знает, что именно делает step: оно резолвит ключ действия
// через Registry, наполняемый при старте процесса, и выполняет Action.
// Неизвестные ключи отклоняются при создании step, а не при
// диспетчеризации. Конкретные биржевые действия (выставление ордеров,
// расчёт индикаторов, нотификации) живут вне ядра и регистрируются
// своими пакетами; здесь — только контракт и служебные builtin-действия.
package job
