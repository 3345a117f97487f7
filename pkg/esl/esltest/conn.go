// Package esltest содержит in-memory реализацию esl.Connection для тестов.
package esltest

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/arzzra/fsmrf/pkg/esl"
)

// Msg отправленное через SendMsg сообщение
type Msg struct {
	UUID    string
	Headers map[string]string
	Body    string
}

// App имя приложения из execute сообщения
func (m Msg) App() string { return m.Headers["execute-app-name"] }

// Arg аргумент приложения из execute сообщения
func (m Msg) Arg() string {
	if arg, ok := m.Headers["execute-app-arg"]; ok {
		return arg
	}
	return m.Body
}

// CommandFunc формирует ответ на команду Send
type CommandFunc func(cmd string) (*esl.Event, error)

// MsgFunc вызывается на каждый SendMsg
type MsgFunc func(m Msg) (*esl.Event, error)

// Conn фейковое соединение event socket.
// Команды записываются, ответы задаются через OnCommand / OnAPI / OnMsg,
// события поступают через Push.
type Conn struct {
	mu       sync.Mutex
	commands []string
	msgs     []Msg
	api      map[string]string
	apiFn    CommandFunc
	cmdFn    CommandFunc
	msgFn    MsgFunc
	addr     net.Addr

	events    chan *esl.Event
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn создает фейковое соединение
func NewConn() *Conn {
	return &Conn{
		api:    make(map[string]string),
		addr:   &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8021},
		events: make(chan *esl.Event, 256),
		closed: make(chan struct{}),
	}
}

// SetAPIResponse задает тело ответа на api команду cmd (без префикса "api ")
func (c *Conn) SetAPIResponse(cmd, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.api[cmd] = body
}

// OnAPI задает обработчик api команд, не найденных среди SetAPIResponse
func (c *Conn) OnAPI(fn CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiFn = fn
}

// OnCommand задает обработчик остальных команд
func (c *Conn) OnCommand(fn CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmdFn = fn
}

// OnMsg задает обработчик SendMsg
func (c *Conn) OnMsg(fn MsgFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgFn = fn
}

// Push доставляет событие в соединение
func (c *Conn) Push(ev *esl.Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// PushEvent доставляет событие с заданными заголовками
func (c *Conn) PushEvent(headers map[string]string) {
	c.Push(esl.NewEvent(headers, ""))
}

func (c *Conn) Send(cmd string) (*esl.Event, error) {
	if c.isClosed() {
		return nil, io.EOF
	}

	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	apiFn, cmdFn := c.apiFn, c.cmdFn
	body, known := "", false
	if strings.HasPrefix(cmd, "api ") {
		body, known = c.api[strings.TrimPrefix(cmd, "api ")]
	}
	c.mu.Unlock()

	if strings.HasPrefix(cmd, "api ") {
		if known {
			return esl.NewEvent(nil, body), nil
		}
		if apiFn != nil {
			return apiFn(strings.TrimPrefix(cmd, "api "))
		}
		return esl.NewEvent(nil, "+OK"), nil
	}
	if cmdFn != nil {
		return cmdFn(cmd)
	}
	return esl.NewEvent(map[string]string{"Reply-Text": "+OK"}, ""), nil
}

func (c *Conn) SendMsg(headers map[string]string, uuid, body string) (*esl.Event, error) {
	if c.isClosed() {
		return nil, io.EOF
	}

	m := Msg{UUID: uuid, Headers: make(map[string]string, len(headers)), Body: body}
	for k, v := range headers {
		m.Headers[k] = v
	}

	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	fn := c.msgFn
	c.mu.Unlock()

	if fn != nil {
		return fn(m)
	}
	return esl.NewEvent(map[string]string{"Reply-Text": "+OK"}, ""), nil
}

func (c *Conn) ReadEvent() (*esl.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *Conn) RemoteAddr() net.Addr { return c.addr }

func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Closed закрывается после Close
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Commands отправленные команды в порядке отправки
func (c *Conn) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Msgs отправленные сообщения в порядке отправки
func (c *Conn) Msgs() []Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Msg(nil), c.msgs...)
}

// Apps имена приложений из отправленных execute сообщений
func (c *Conn) Apps() []string {
	var apps []string
	for _, m := range c.Msgs() {
		apps = append(apps, m.App())
	}
	return apps
}

// HasCommand проверяет, отправлялась ли команда cmd
func (c *Conn) HasCommand(cmd string) bool {
	for _, sent := range c.Commands() {
		if sent == cmd {
			return true
		}
	}
	return false
}

// ExecuteComplete формирует CHANNEL_EXECUTE_COMPLETE для сообщения m
// с дополнительными заголовками.
func ExecuteComplete(m Msg, headers map[string]string) *esl.Event {
	h := map[string]string{
		"Event-Name":       esl.EventChannelExecuteComplete,
		"Application":      m.App(),
		"Application-UUID": m.Headers["Event-UUID"],
		"Unique-ID":        m.UUID,
	}
	for k, v := range headers {
		h[k] = v
	}
	return esl.NewEvent(h, "")
}

// ErrRejected ошибка ответа -ERR на команду
var ErrRejected = errors.New("-ERR command rejected")
