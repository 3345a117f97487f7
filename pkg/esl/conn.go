package esl

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/fiorix/go-eventsocket/eventsocket"
)

// Connection соединение event socket с FreeSWITCH.
// Send и SendMsg блокируются до ответа сервера, ReadEvent до следующего события.
type Connection interface {
	Send(cmd string) (*Event, error)
	SendMsg(headers map[string]string, uuid, body string) (*Event, error)
	ReadEvent() (*Event, error)
	RemoteAddr() net.Addr
	Close()
}

// fiorixTimeout текст ошибки eventsocket при отсутствии ответа на команду
const fiorixTimeout = "Timeout"

type reply struct {
	ev  *eventsocket.Event
	err error
}

// fsConn адаптер eventsocket.Connection к Connection.
//
// eventsocket отдает ответы -ERR через тот же канал ошибок, что читает
// ReadEvent, поэтому события читает собственная горутина fsConn, а любой
// ответ, кем бы из вызовов eventsocket он ни был получен, передается
// ожидающей команде. Команды выполняются строго по одной, ответы
// FreeSWITCH приходят в порядке команд.
type fsConn struct {
	conn *eventsocket.Connection

	sendMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	waiting chan reply

	events  chan *Event
	dead    chan struct{}
	deadErr error
	once    sync.Once
}

func newFsConn(c *eventsocket.Connection) *fsConn {
	fc := &fsConn{
		conn:   c,
		events: make(chan *Event),
		dead:   make(chan struct{}),
	}
	go fc.pump()
	return fc
}

// Dial устанавливает inbound соединение с FreeSWITCH и проходит аутентификацию
func Dial(addr, password string) (Connection, error) {
	c, err := eventsocket.Dial(addr, password)
	if err != nil {
		return nil, fmt.Errorf("esl: подключение к %s: %w", addr, err)
	}
	return newFsConn(c), nil
}

// ListenAndServe принимает outbound соединения FreeSWITCH на addr.
// Каждое соединение передается в handler в отдельной горутине.
func ListenAndServe(addr string, handler func(Connection)) error {
	return eventsocket.ListenAndServe(addr, func(c *eventsocket.Connection) {
		handler(newFsConn(c))
	})
}

func (c *fsConn) Send(cmd string) (*Event, error) {
	ev, err := c.roundTrip(func() (*eventsocket.Event, error) { return c.conn.Send(cmd) })
	if err != nil && strings.HasPrefix(cmd, "api ") && !isTransportError(err) {
		// Для api команд -ERR ответ является содержимым, а не ошибкой транспорта
		return NewEvent(nil, "-ERR "+err.Error()), nil
	}
	return ev, err
}

func (c *fsConn) SendMsg(headers map[string]string, uuid, body string) (*Event, error) {
	return c.roundTrip(func() (*eventsocket.Event, error) { return c.conn.SendMsg(headers, uuid, body) })
}

func (c *fsConn) roundTrip(fn func() (*eventsocket.Event, error)) (*Event, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.dead:
		return nil, c.deadErr
	default:
	}

	wait := make(chan reply, 1)
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.waiting = wait
	c.mu.Unlock()

	go func() {
		ev, err := fn()
		c.deliver(seq, reply{ev: ev, err: err})
	}()

	select {
	case r := <-wait:
		if r.err != nil {
			return nil, r.err
		}
		return convertEvent(r.ev), nil
	case <-c.dead:
		return nil, c.deadErr
	}
}

// deliver передает ответ текущей команде. Вызов eventsocket, ответ которому
// уже забрала горутина чтения, остается ждать и получает ответ следующей
// команды; его собственный таймаут ответом не является.
func (c *fsConn) deliver(seq uint64, r reply) {
	if r.err != nil && isTransportError(r.err) {
		c.fail(r.err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r.err != nil && r.err.Error() == fiorixTimeout && seq != c.seq {
		return
	}
	if c.waiting == nil {
		return
	}
	c.waiting <- r
	c.waiting = nil
}

func (c *fsConn) pump() {
	for {
		ev, err := c.conn.ReadEvent()
		if err == nil {
			select {
			case c.events <- convertEvent(ev):
			case <-c.dead:
				return
			}
			continue
		}
		if isTransportError(err) {
			c.fail(err)
			return
		}
		// -ERR ответ на выполняющуюся команду
		c.mu.Lock()
		seq := c.seq
		c.mu.Unlock()
		c.deliver(seq, reply{err: err})
	}
}

func (c *fsConn) fail(err error) {
	c.once.Do(func() {
		c.deadErr = err
		close(c.dead)
	})
}

func (c *fsConn) ReadEvent() (*Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.dead:
		return nil, c.deadErr
	}
}

func (c *fsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *fsConn) Close() {
	c.conn.Close()
	c.fail(net.ErrClosed)
}

func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return msg == "EOF" || strings.Contains(msg, "use of closed network connection")
}

func convertEvent(ev *eventsocket.Event) *Event {
	if ev == nil {
		return NewEvent(nil, "")
	}
	headers := make(map[string]string, len(ev.Header))
	for k, v := range ev.Header {
		headers[k] = fmt.Sprint(v)
	}
	return NewEvent(headers, ev.Body)
}
