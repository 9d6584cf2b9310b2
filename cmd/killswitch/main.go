// Command killswitch - аварийный выключатель торговли.
//
// killswitch serve                 демон: HTTP API, поток событий, монитор
// killswitch status [--verify]     статус (всегда код 0)
// killswitch trigger <reason>      ручной kill
// killswitch recover               восстановление (код подтверждения из stdin или --code)
// killswitch audit [--since 1h]    журнал аудита
// killswitch health                проверки здоровья (0 только если здоров)
// killswitch watch                 поток переходов состояния
//
// Коды выхода: 0 - успех, 1 - ожидаемый отказ, 2 - внутренняя ошибка.
package main

import (
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
