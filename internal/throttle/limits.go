package throttle

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LimitScope — область действия лимита провайдера.
type LimitScope string

const (
	// ScopeIP — лимит на исходящий IP (например, request weight).
	ScopeIP LimitScope = "ip"

	// ScopeAccount — лимит на торговый аккаунт (например, число ордеров).
	ScopeAccount LimitScope = "account"
)

// defaultThreshold — доля лимита, при которой допуск превентивно
// закрывается. Ниже 1.0 намеренно: запас на чужие in-flight запросы.
const defaultThreshold = 0.8

// Limit — один настроенный лимит провайдера: класс ресурса + окно.
type Limit struct {
	// Class — класс ресурса (request-weight, orders, ...).
	Class string `yaml:"class"`

	// Scope — ip или account.
	Scope LimitScope `yaml:"scope"`

	// Window — размер окна лимита.
	Window time.Duration `yaml:"window"`

	// Limit — значение лимита провайдера в этом окне.
	Limit int64 `yaml:"limit"`

	// Threshold — доля лимита, при достижении которой допуск закрыт.
	// 0 означает defaultThreshold.
	Threshold float64 `yaml:"threshold"`

	// Header — заголовок ответа провайдера с текущим usage.
	// Пустой — провайдер не репортит, используется локальный счётчик.
	Header string `yaml:"header"`
}

// UnmarshalYAML парсит лимит, принимая окно в виде строки-длительности
// ("10s", "1m"): yaml.v3 сам time.Duration из строк не читает.
func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Class     string     `yaml:"class"`
		Scope     LimitScope `yaml:"scope"`
		Window    string     `yaml:"window"`
		Limit     int64      `yaml:"limit"`
		Threshold float64    `yaml:"threshold"`
		Header    string     `yaml:"header"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	window, err := time.ParseDuration(raw.Window)
	if err != nil {
		return fmt.Errorf("limit %s: parse window %q: %w", raw.Class, raw.Window, err)
	}

	l.Class = raw.Class
	l.Scope = raw.Scope
	l.Window = window
	l.Limit = raw.Limit
	l.Threshold = raw.Threshold
	l.Header = raw.Header
	return nil
}

// threshold возвращает действующий порог близости.
func (l Limit) threshold() float64 {
	if l.Threshold <= 0 {
		return defaultThreshold
	}
	return l.Threshold
}

// ProviderLimits — набор лимитов одного провайдера.
type ProviderLimits struct {
	Limits []Limit `yaml:"limits"`
}

// Limits — конфигурация лимитов по провайдерам.
type Limits struct {
	Providers map[string]ProviderLimits `yaml:"providers"`
}

// For возвращает лимиты провайдера (nil, если не настроен).
func (l *Limits) For(provider string) []Limit {
	if l == nil {
		return nil
	}
	return l.Providers[provider].Limits
}

// Validate проверяет конфигурацию.
func (l *Limits) Validate() error {
	for provider, pl := range l.Providers {
		for i, limit := range pl.Limits {
			if limit.Class == "" {
				return fmt.Errorf("provider %s limit %d: class is required", provider, i)
			}
			if limit.Scope != ScopeIP && limit.Scope != ScopeAccount {
				return fmt.Errorf("provider %s limit %s: unknown scope %q", provider, limit.Class, limit.Scope)
			}
			if limit.Window <= 0 {
				return fmt.Errorf("provider %s limit %s: window must be positive", provider, limit.Class)
			}
			if limit.Limit <= 0 {
				return fmt.Errorf("provider %s limit %s: limit must be positive", provider, limit.Class)
			}
			if limit.Threshold != 0 && (limit.Threshold < 0 || limit.Threshold >= 1) {
				return fmt.Errorf("provider %s limit %s: threshold must be in (0, 1)", provider, limit.Class)
			}
		}
	}
	return nil
}

// LoadLimits читает конфигурацию лимитов из YAML-файла.
func LoadLimits(path string) (*Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limits file: %w", err)
	}

	var limits Limits
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return nil, fmt.Errorf("parse limits file: %w", err)
	}

	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("validate limits: %w", err)
	}
	return &limits, nil
}
