package esl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/arzzra/fsmrf/pkg/logger"
)

// ErrClosed соединение закрыто или чтение событий завершилось
var ErrClosed = errors.New("esl: соединение закрыто")

// Handler обработчик события.
// Вызывается синхронно из горутины чтения в порядке поступления событий,
// поэтому не должен блокироваться на командах того же соединения.
type Handler func(ev *Event)

type listener struct {
	id      uint64
	handler Handler
}

// Channel управляющая обертка над Connection: команды api и sendmsg,
// ожидание завершения приложений и рассылка событий слушателям.
type Channel struct {
	conn Connection
	log  logger.StructuredLogger

	mu        sync.Mutex
	listeners map[string][]listener
	waiters   map[string]chan *Event
	nextID    uint64

	info *Event

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewChannel оборачивает соединение и запускает чтение событий
func NewChannel(conn Connection, log logger.StructuredLogger) *Channel {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	c := &Channel{
		conn:      conn,
		log:       log.WithComponent("esl"),
		listeners: make(map[string][]listener),
		waiters:   make(map[string]chan *Event),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Accept принимает outbound соединение: отправляет connect и linger,
// сохраняет данные канала из ответа на connect.
func Accept(ctx context.Context, conn Connection, log logger.StructuredLogger) (*Channel, error) {
	c := NewChannel(conn, log)

	info, err := c.Send(ctx, "connect")
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("esl: connect: %w", err)
	}
	c.info = info

	if _, err := c.Send(ctx, "linger"); err != nil {
		c.Close()
		return nil, fmt.Errorf("esl: linger: %w", err)
	}
	return c, nil
}

// Info данные канала, полученные при Accept
func (c *Channel) Info() *Event { return c.info }

// RemoteAddr адрес удаленной стороны
func (c *Channel) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Send отправляет произвольную команду event socket
func (c *Channel) Send(ctx context.Context, cmd string) (*Event, error) {
	return c.roundTrip(ctx, func() (*Event, error) { return c.conn.Send(cmd) })
}

// API выполняет api команду и возвращает тело ответа как есть,
// включая ответы вида "-ERR ...".
func (c *Channel) API(ctx context.Context, cmd string) (string, error) {
	ev, err := c.Send(ctx, "api "+cmd)
	if err != nil {
		return "", err
	}
	return ev.Body, nil
}

// Subscribe подписывает соединение на события в plain формате.
// CUSTOM подклассы передаются как есть, например "CUSTOM conference::maintenance".
func (c *Channel) Subscribe(ctx context.Context, events ...string) error {
	if len(events) == 0 {
		return nil
	}
	_, err := c.Send(ctx, "event plain "+strings.Join(events, " "))
	return err
}

// Filter ограничивает поток событий событиями с заданным значением заголовка
func (c *Channel) Filter(ctx context.Context, header, value string) error {
	_, err := c.Send(ctx, fmt.Sprintf("filter %s %s", header, value))
	return err
}

// Execute запускает приложение на канале и ждет CHANNEL_EXECUTE_COMPLETE.
// Соединение должно быть подписано на CHANNEL_EXECUTE_COMPLETE.
func (c *Channel) Execute(ctx context.Context, channelUUID, app, arg string) (*Event, error) {
	eventUUID := uuid.NewString()
	wait := make(chan *Event, 1)

	c.mu.Lock()
	c.waiters[eventUUID] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, eventUUID)
		c.mu.Unlock()
	}()

	if _, err := c.sendExecute(ctx, channelUUID, app, arg, eventUUID); err != nil {
		return nil, err
	}

	select {
	case ev := <-wait:
		return ev, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteAsync запускает приложение на канале без ожидания завершения
func (c *Channel) ExecuteAsync(ctx context.Context, channelUUID, app, arg string) error {
	_, err := c.sendExecute(ctx, channelUUID, app, arg, "")
	return err
}

func (c *Channel) sendExecute(ctx context.Context, channelUUID, app, arg, eventUUID string) (*Event, error) {
	headers := map[string]string{
		"call-command":     "execute",
		"execute-app-name": app,
	}
	if eventUUID != "" {
		headers["Event-UUID"] = eventUUID
	}

	// Аргумент с переводами строк передается телом сообщения
	body := ""
	if strings.ContainsAny(arg, "\r\n") {
		body = arg
	} else if arg != "" {
		headers["execute-app-arg"] = arg
	}

	c.log.Debug(ctx, "execute",
		logger.String("app", app),
		logger.String("arg", arg),
		logger.String("channel_uuid", channelUUID))

	return c.roundTrip(ctx, func() (*Event, error) { return c.conn.SendMsg(headers, channelUUID, body) })
}

// roundTrip выполняет блокирующую команду с учетом ctx и закрытия соединения.
// Отмена ctx прекращает ожидание, но не отменяет уже отправленную команду.
func (c *Channel) roundTrip(ctx context.Context, fn func() (*Event, error)) (*Event, error) {
	select {
	case <-c.done:
		return nil, c.Err()
	default:
	}

	type result struct {
		ev  *Event
		err error
	}
	res := make(chan result, 1)
	go func() {
		ev, err := fn()
		res <- result{ev, err}
	}()

	select {
	case r := <-res:
		return r.ev, r.err
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// On регистрирует обработчик событий с именем name. Для CUSTOM событий
// name это подкласс, AnyEvent подписывает на все события.
// Возвращает функцию отписки.
func (c *Channel) On(name string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.listeners[name] = append(c.listeners[name], listener{id: id, handler: h})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ls := c.listeners[name]
		for i, l := range ls {
			if l.id == id {
				c.listeners[name] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
		if len(c.listeners[name]) == 0 {
			delete(c.listeners, name)
		}
	}
}

// RemoveListeners удаляет все обработчики события name
func (c *Channel) RemoveListeners(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, name)
}

// Done закрывается после завершения соединения
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err причина завершения соединения
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

// Close закрывает соединение
func (c *Channel) Close() {
	c.shutdown(ErrClosed)
	c.conn.Close()
}

func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Channel) readLoop() {
	for {
		ev, err := c.conn.ReadEvent()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug(context.Background(), "чтение событий завершено",
					logger.String("remote", c.RemoteAddr()), logger.Err(err))
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		c.dispatch(ev)
	}
}

func (c *Channel) dispatch(ev *Event) {
	name := ev.Name()

	c.mu.Lock()
	if name == EventChannelExecuteComplete {
		if wait, ok := c.waiters[ev.Get("Application-UUID")]; ok {
			delete(c.waiters, ev.Get("Application-UUID"))
			wait <- ev
		}
	}

	key := name
	if name == EventCustom {
		key = ev.Subclass()
	}
	handlers := make([]Handler, 0, len(c.listeners[key])+len(c.listeners[AnyEvent]))
	for _, l := range c.listeners[key] {
		handlers = append(handlers, l.handler)
	}
	for _, l := range c.listeners[AnyEvent] {
		handlers = append(handlers, l.handler)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
