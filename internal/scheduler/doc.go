// Package scheduler создаёт корневые steps по расписаниям.
//
// Scheduler периодически проверяет schedules с истекшим next_due_at и
// создаёт для каждого корневой step через dispatch.Creator (полоса
// назначается round-robin'ом, как и для steps из API).
//
// Несколько экземпляров scheduler'а могут работать одновременно:
// запуск конкретного schedule защищён CAS-захватом next_due_at
// (repo.ScheduleRepo.Claim) — проигравший экземпляр просто пропускает
// расписание.
package scheduler
