// Package stomp: подмножество кадров STOMP 1.2 для живого канала чата:
// один кадр на текстовое сообщение WebSocket, heart-beat из одного EOL.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Команды клиента и сервера.
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Стандартные заголовки.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrMessage       = "message"
	HdrAuthorization = "Authorization"
)

var (
	ErrMalformed = errors.New("stomp: malformed frame")
	ErrBadEscape = errors.New("stomp: invalid header escape")
)

// Header сохраняет порядок; при повторе ключа действует первое вхождение.
type Header []Field

type Field struct {
	Key   string
	Value string
}

func (h Header) Get(key string) string {
	v, _ := h.Lookup(key)
	return v
}

// Lookup: первое значение key и признак наличия.
func (h Header) Lookup(key string) (string, bool) {
	for _, f := range h {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Set заменяет первое вхождение key или добавляет его.
func (h *Header) Set(key, value string) {
	for i, f := range *h {
		if f.Key == key {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Field{Key: key, Value: value})
}

// Frame: разобранный кадр STOMP. Пустая Command означает heart-beat.
type Frame struct {
	Command string
	Header  Header
	Body    []byte
}

// New собирает кадр из пар ключ/значение.
func New(command string, kv ...string) Frame {
	f := Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Header = append(f.Header, Field{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

func (f Frame) IsHeartbeat() bool {
	return f.Command == ""
}

// CONNECT и CONNECTED идут без экранирования заголовков.
func escaped(command string) bool {
	return command != CmdConnect && command != CmdConnected && command != CmdStomp
}

// Encode сериализует кадр; при непустом теле добавляется content-length.
func (f Frame) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')
	esc := escaped(f.Command)
	hasLen := false
	for _, h := range f.Header {
		if h.Key == HdrContentLength {
			hasLen = true
		}
		if esc {
			b.WriteString(escape(h.Key))
			b.WriteByte(':')
			b.WriteString(escape(h.Value))
		} else {
			b.WriteString(h.Key)
			b.WriteByte(':')
			b.WriteString(h.Value)
		}
		b.WriteByte('\n')
	}
	if len(f.Body) > 0 && !hasLen {
		b.WriteString(HdrContentLength)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(f.Body)))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// Parse разбирает один кадр. Ведущие EOL считаются heart-beat; вход только
// из EOL даёт кадр heart-beat.
func Parse(data []byte) (Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return Frame{}, nil
	}

	line, rest, ok := cutLine(data)
	if !ok || line == "" {
		return Frame{}, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	f := Frame{Command: line}
	esc := escaped(f.Command)

	for {
		line, rest, ok = cutLine(rest)
		if !ok {
			return Frame{}, fmt.Errorf("%w: unterminated headers", ErrMalformed)
		}
		if line == "" {
			break
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			return Frame{}, fmt.Errorf("%w: header %q", ErrMalformed, line)
		}
		if esc {
			var err error
			if k, err = unescape(k); err != nil {
				return Frame{}, err
			}
			if v, err = unescape(v); err != nil {
				return Frame{}, err
			}
		}
		f.Header = append(f.Header, Field{Key: k, Value: v})
	}

	if cl, ok := f.Header.Lookup(HdrContentLength); ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n >= len(rest) || rest[n] != 0 {
			return Frame{}, fmt.Errorf("%w: content-length %q", ErrMalformed, cl)
		}
		f.Body = rest[:n]
		return f, nil
	}
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return Frame{}, fmt.Errorf("%w: missing NUL terminator", ErrMalformed)
	}
	f.Body = rest[:end]
	return f, nil
}

func cutLine(data []byte) (string, []byte, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", nil, false
	}
	return strings.TrimSuffix(string(data[:i]), "\r"), data[i+1:], true
}

var escaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`, ":", `\c`)

func escape(s string) string {
	return escaper.Replace(s)
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", ErrBadEscape
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'c':
			b.WriteByte(':')
		default:
			return "", ErrBadEscape
		}
	}
	return b.String(), nil
}

func HeartBeat(out, in time.Duration) string {
	return strconv.FormatInt(out.Milliseconds(), 10) + "," + strconv.FormatInt(in.Milliseconds(), 10)
}

// ParseHeartBeat читает "cx,cy"; некорректное значение означает "без heart-beat".
func ParseHeartBeat(v string) (out, in time.Duration) {
	a, b, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0
	}
	x, err1 := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	y, err2 := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err1 != nil || err2 != nil || x < 0 || y < 0 {
		return 0, 0
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond
}

// Negotiate: итоговый интервал для одного направления: ноль, если хотя бы
// одна сторона отказалась, иначе больший из двух.
func Negotiate(mine, theirs time.Duration) time.Duration {
	if mine <= 0 || theirs <= 0 {
		return 0
	}
	if mine > theirs {
		return mine
	}
	return theirs
}
