// Package startup подключает внешние хранилища при старте сервиса с повторами,
// чтобы порядок запуска контейнеров не ронял процесс.
package startup

import (
	"fmt"
	"time"

	"github.com/supportchat/internal/logger"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// sleep подменяется в тестах.
var sleep = time.Sleep

// retry вызывает connect, пока он не вернёт nil или не истечёт maxWait.
// Пауза между попытками удваивается до maxBackoff.
func retry(what string, maxWait time.Duration, connect func() error) error {
	deadline := time.Now().Add(maxWait)
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := connect()
		if err == nil {
			if attempt > 1 {
				logger.Infof("%s connected after %d attempts", what, attempt)
			}
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s connect failed, retry in %v: %v", what, backoff, err)
		sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
