package health

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"killswitch/internal/config"
	"killswitch/internal/models"
	"killswitch/internal/trigger"
	"killswitch/pkg/utils"
)

// checker.go - проверки здоровья перед восстановлением
//
// Проверки независимы: каждая выполняется в своей горутине, паника
// превращается в провал этой проверки. Результат здоров только если
// прошли все проверки. Checker никогда не инициирует kill.

// Check - одна проверка здоровья
type Check interface {
	Name() string
	Run(ctx trigger.Context) error
}

// checkFunc - адаптер функции к Check
type checkFunc struct {
	name string
	fn   func(ctx trigger.Context) error
}

func (c checkFunc) Name() string { return c.name }
func (c checkFunc) Run(ctx trigger.Context) error { return c.fn(ctx) }

// NewCheck создаёт проверку из функции. nil ошибка = пройдена.
func NewCheck(name string, fn func(ctx trigger.Context) error) Check {
	return checkFunc{name: name, fn: fn}
}

// Checker выполняет набор проверок
type Checker struct {
	mu     sync.RWMutex
	checks []Check
	clock  func() time.Time
	logger *utils.Logger
}

// NewChecker создаёт набор проверок
func NewChecker(logger *utils.Logger, clock func() time.Time, checks ...Check) *Checker {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Checker{
		checks: checks,
		clock:  clock,
		logger: logger.WithComponent("health"),
	}
}

// NewCheckerFromConfig собирает стандартный набор проверок.
// triggers используется проверкой "triggers_clear" (если она включена).
func NewCheckerFromConfig(cfg config.HealthConfig, triggers Evaluator, clock func() time.Time, logger *utils.Logger) *Checker {
	if clock == nil {
		clock = time.Now
	}
	checks := []Check{
		ExchangeConnectivity(),
		FeedFreshness(seconds(cfg.MaxPriceStalenessSeconds), clock),
		NoConflictingPositions(),
		HeartbeatFresh(seconds(cfg.MaxHeartbeatAgeSeconds), clock),
	}
	if cfg.RequireTriggersClear && triggers != nil {
		checks = append(checks, TriggersClear(triggers))
	}
	return NewChecker(logger, clock, checks...)
}

// Add добавляет проверку
func (c *Checker) Add(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// Names - имена проверок в порядке регистрации
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.checks))
	for i, ch := range c.checks {
		names[i] = ch.Name()
	}
	return names
}

// Run выполняет все проверки. Пустой набор здоровым не считается.
func (c *Checker) Run(ctx trigger.Context) models.HealthCheckResult {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	c.mu.RUnlock()

	res := models.HealthCheckResult{
		Checks:       make([]models.CheckOutcome, len(checks)),
		FailedChecks: []string{},
		CheckedAt:    c.clock(),
	}

	if len(checks) == 0 {
		res.FailedChecks = append(res.FailedChecks, "configuration")
		res.Checks = []models.CheckOutcome{{Name: "configuration", Message: "no health checks configured"}}
		return res
	}

	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			res.Checks[i] = c.runOne(check, ctx)
		}(i, check)
	}
	wg.Wait()

	for _, out := range res.Checks {
		if !out.Passed {
			res.FailedChecks = append(res.FailedChecks, out.Name)
		}
	}
	res.IsHealthy = len(res.FailedChecks) == 0

	if !res.IsHealthy {
		c.logger.Warn("health checks failed", utils.Any("failed_checks", res.FailedChecks))
	}
	return res
}

func (c *Checker) runOne(check Check, ctx trigger.Context) (out models.CheckOutcome) {
	out.Name = check.Name()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("health check panicked", utils.Check(out.Name), utils.Any("panic", r))
			out.Passed = false
			out.Message = fmt.Sprintf("panic: %v", r)
		}
	}()

	if err := check.Run(ctx); err != nil {
		out.Message = err.Error()
		return out
	}
	out.Passed = true
	out.Message = "ok"
	return out
}

// ============================================================
// Стандартные проверки
// ============================================================

// Evaluator - источник результатов триггеров (обычно *trigger.Registry)
type Evaluator interface {
	Evaluate(ctx trigger.Context) []models.TriggerResult
}

// ExchangeConnectivity: exchange_connected = true и/или все exchanges[*] = true.
// Отсутствие обоих полей - провал.
func ExchangeConnectivity() Check {
	return NewCheck("exchange_connectivity", func(ctx trigger.Context) error {
		connected, hasFlag, err := ctx.Bool("exchange_connected")
		if err != nil {
			return err
		}
		exchanges, hasMap, err := ctx.BoolMap("exchanges")
		if err != nil {
			return err
		}
		if !hasFlag && !hasMap {
			return fmt.Errorf("no exchange connectivity data")
		}
		if hasFlag && !connected {
			return fmt.Errorf("exchange disconnected")
		}

		var down []string
		for name, ok := range exchanges {
			if !ok {
				down = append(down, name)
			}
		}
		if len(down) > 0 {
			sort.Strings(down)
			return fmt.Errorf("exchanges disconnected: %s", strings.Join(down, ","))
		}
		return nil
	})
}

// FeedFreshness: возраст последней цены не больше maxAge
func FeedFreshness(maxAge time.Duration, clock func() time.Time) Check {
	return NewCheck("data_feed_fresh", func(ctx trigger.Context) error {
		return checkAge(ctx, "last_price_update", "price_update_age_seconds", maxAge, clock, "price feed")
	})
}

// HeartbeatFresh: возраст heartbeat торгового процесса не больше maxAge
func HeartbeatFresh(maxAge time.Duration, clock func() time.Time) Check {
	return NewCheck("heartbeat_fresh", func(ctx trigger.Context) error {
		return checkAge(ctx, "last_heartbeat", "heartbeat_age_seconds", maxAge, clock, "heartbeat")
	})
}

// NoConflictingPositions: conflicting_positions = 0 (число) или false
func NoConflictingPositions() Check {
	return NewCheck("no_conflicting_positions", func(ctx trigger.Context) error {
		if flag, present, err := ctx.Bool("conflicting_positions"); err == nil && present {
			if flag {
				return fmt.Errorf("conflicting open positions reported")
			}
			return nil
		}

		n, present, err := ctx.Float("conflicting_positions")
		if err != nil {
			return err
		}
		if !present {
			return fmt.Errorf("no position reconciliation data")
		}
		if n != 0 {
			return fmt.Errorf("%g conflicting open positions", n)
		}
		return nil
	})
}

// TriggersClear: ни один автоматический триггер не срабатывает и не падает
func TriggersClear(triggers Evaluator) Check {
	return NewCheck("triggers_clear", func(ctx trigger.Context) error {
		var problems []string
		for _, r := range triggers.Evaluate(ctx) {
			switch {
			case r.Failed():
				problems = append(problems, fmt.Sprintf("%s: %s", r.TriggerID, r.Error))
			case r.ShouldTrigger:
				problems = append(problems, fmt.Sprintf("%s: %s", r.TriggerID, r.Reason))
			}
		}
		if len(problems) > 0 {
			return fmt.Errorf("triggers still firing: %s", strings.Join(problems, "; "))
		}
		return nil
	})
}

func checkAge(ctx trigger.Context, tsKey, ageKey string, maxAge time.Duration, clock func() time.Time, what string) error {
	age, present, err := ctx.Age(tsKey, ageKey, clock)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("no %s data", what)
	}
	if maxAge > 0 && age > maxAge.Seconds() {
		return fmt.Errorf("%s stale: %.1fs > %.1fs", what, age, maxAge.Seconds())
	}
	if age < 0 {
		return fmt.Errorf("%s timestamp is in the future", what)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
