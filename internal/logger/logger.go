// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы не блокировать обработку событий чата. Поддерживается логирование времени выполнения функций.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	asyncBufferSize = 8192
	slowThreshold   = 100 * time.Millisecond
)

type level int32

const (
	levelDebug level = iota
	levelInfo
)

var (
	prefix   atomic.Value // string
	logLevel atomic.Int32
	dropped  atomic.Int64
	ch       chan string
	once     sync.Once
)

func init() {
	prefix.Store("")
	SetLevel(os.Getenv("LOG_LEVEL"))
}

func initWorker() {
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case ch <- msg:
	default:
		// Буфер полон — не блокируем, теряем лог
		dropped.Add(1)
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "support").
func SetPrefix(p string) {
	prefix.Store(p)
}

// SetLevel: "debug"/"trace" — логировать всё, иначе info.
func SetLevel(l string) {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "debug", "trace":
		logLevel.Store(int32(levelDebug))
	default:
		logLevel.Store(int32(levelInfo))
	}
}

func debugEnabled() bool { return level(logLevel.Load()) == levelDebug }

// Dropped — сколько сообщений потеряно из-за переполненного буфера.
func Dropped() int64 { return dropped.Load() }

// Flush ждёт, пока очередь опустеет (при остановке сервиса), но не дольше timeout.
func Flush(timeout time.Duration) {
	once.Do(initWorker)
	deadline := time.Now().Add(timeout)
	for len(ch) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func tag() string {
	p, _ := prefix.Load().(string)
	if p == "" {
		return ""
	}
	return "[" + p + "] "
}

// Info пишет в log с префиксом (асинхронно).
func Info(v ...any) {
	enqueue(tag() + fmt.Sprint(v...))
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	enqueue(tag() + fmt.Sprintf(format, v...))
}

// Debugf пишет только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	if debugEnabled() {
		enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
	}
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах (асинхронно).
// При LOG_LEVEL=info логирует только вызовы дольше 100ms; при LOG_LEVEL=debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if debugEnabled() || elapsed >= slowThreshold {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("session.Transition", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
