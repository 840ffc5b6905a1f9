// Package logger: логирование с префиксом компонента и асинхронной записью:
// обработчики кадров и сетевые колбэки не должны ждать вывода в лог.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const asyncBufferSize = 8192

const (
	levelDebug int32 = iota
	levelInfo
)

var (
	prefix atomic.Pointer[string]
	level  atomic.Int32
	ch     chan entry
	once   sync.Once
)

// entry: строка лога либо, если ack != nil, метка Flush.
type entry struct {
	msg string
	ack chan struct{}
}

func init() {
	SetLevel(os.Getenv("LOG_LEVEL"))
}

func initWorker() {
	ch = make(chan entry, asyncBufferSize)
	go func() {
		for e := range ch {
			if e.ack != nil {
				close(e.ack)
				continue
			}
			log.Print(e.msg)
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case ch <- entry{msg: msg}:
	default:
		// Буфер полон: теряем строку, но не блокируем вызывающего
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "relay", "console").
func SetPrefix(p string) {
	prefix.Store(&p)
}

// SetLevel переключает уровень: "debug"/"trace" включают Debugf, остальное: info.
func SetLevel(v string) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug", "trace":
		level.Store(levelDebug)
	default:
		level.Store(levelInfo)
	}
}

func debugEnabled() bool {
	return level.Load() == levelDebug
}

// SetOutput перенаправляет вывод (консольный клиент пишет лог в файл, чтобы не мешать вводу).
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// Flush ставит в очередь метку и ждёт, пока воркер до неё дойдёт: всё,
// что было поставлено до вызова, к этому моменту записано. Строки, которые
// другие горутины добавляют параллельно, могут остаться в очереди.
func Flush() {
	once.Do(initWorker)
	ack := make(chan struct{})
	ch <- entry{ack: ack}
	<-ack
}

func tag() string {
	p := prefix.Load()
	if p == nil || *p == "" {
		return ""
	}
	return "[" + *p + "] "
}

// Info пишет в log с префиксом (асинхронно).
func Info(v ...any) {
	enqueue(tag() + fmt.Sprint(v...))
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	enqueue(tag() + fmt.Sprintf(format, v...))
}

// Debugf пишет только при LOG_LEVEL=debug (трассировка кадров STOMP и т.п.).
func Debugf(format string, v ...any) {
	if !debugEnabled() {
		return
	}
	enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
}

// Error пишет ошибку с префиксом (асинхронно).
func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// LogDuration логирует имя операции и время выполнения в миллисекундах.
// При LOG_LEVEL=info пишутся только вызовы дольше 100ms; при LOG_LEVEL=debug: все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if debugEnabled() || elapsed >= 100*time.Millisecond {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для defer: defer logger.DeferLogDuration("api.ListRooms", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
