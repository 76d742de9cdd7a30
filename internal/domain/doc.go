// Package domain содержит доменные модели steprunner:
// Step (единица работы), статусы и правила переходов между ними,
// Lane (полоса параллелизма) и Schedule (расписание).
//
// Модели не зависят от БД, очередей и кэша — это чистые структуры
// с методами-мутаторами. Все изменения статуса проходят через
// машину состояний (см. status.go и Step.transition), прямые записи
// в поле Status в обход неё запрещены.
package domain
