package domain

import (
	"fmt"
	"time"
)

// Lane — запись реестра полос параллелизма.
//
// Полосы — небольшой фиксированный набор (см. DefaultLanes). Корневой
// step получает полосу round-robin'ом по самой старой LastSelectedAt,
// всё его дерево наследует эту полосу. Тик диспетчера по полосе
// сериализуется замком CanDispatch: одновременно полосу тикает
// ровно один процесс.
type Lane struct {
	// Name — имя полосы.
	Name string `json:"name"`

	// CanDispatch — замок допуска: false, пока какой-то процесс
	// держит тик этой полосы.
	CanDispatch bool `json:"can_dispatch"`

	// LastSelectedAt — время последнего выбора полосы round-robin'ом
	// (микросекундная точность; nil — полоса ещё не выбиралась).
	LastSelectedAt *time.Time `json:"last_selected_at,omitempty"`

	// TickID — идентификатор тика, держащего замок (для диагностики).
	TickID string `json:"tick_id,omitempty"`

	// LockedAt — время взятия замка допуска (nil — замок свободен).
	// По нему опознаётся замок, осиротевший после падения процесса.
	LockedAt *time.Time `json:"locked_at,omitempty"`
}

// DefaultLanes возвращает стандартный набор имён полос.
func DefaultLanes(n int) []string {
	if n <= 0 {
		n = 10
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("lane-%02d", i+1)
	}
	return names
}
