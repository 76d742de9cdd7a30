// Package cli реализует инструмент командной строки steprunner.
//
// CLI — клиентская утилита для работы с API диспетчера. Работает
// через HTTP и не импортирует внутренние пакеты системы: все типы
// ответов продублированы локально.
//
// Группы команд:
//   - step: create, show, cancel
//   - dispatch: status, on, off
//   - schedule: list, create, show, enable, disable
//
// Каждая группа создаётся фабричной функцией (NewStepCmd и т.д.),
// принимающей clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
//
// Вывод: таблицы через text/tabwriter по умолчанию, JSON с флагом
// --json. Данные идут в stdout, сообщения — в stderr, так что вывод
// можно пайпить в jq.
package cli
