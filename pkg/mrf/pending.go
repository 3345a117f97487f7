package mrf

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/fsmrf/pkg/esl"
	"github.com/arzzra/fsmrf/pkg/logger"
	"github.com/arzzra/fsmrf/pkg/signaling"
)

// DefaultMatchTimeout время ожидания второй половины соединения
const DefaultMatchTimeout = 4 * time.Second

// pendingEntry исходящий INVITE, ожидающий свое event socket соединение.
// Заполняется той половиной, что пришла первой.
type pendingEntry struct {
	token   string
	created time.Time

	dialog  signaling.Dialog
	channel *esl.Channel
	timer   *time.Timer

	// matched закрывается, когда entry покидает реестр
	matched chan struct{}
	err     error
}

// PendingRegistry сопоставляет исходящие INVITE с входящими event socket
// соединениями по токену. Каждая запись удаляется ровно одним потребителем:
// сопоставлением, таймаутом или отменой.
type PendingRegistry struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	timeout time.Duration

	// onOrphan вызывается для соединения, оставшегося без пары
	onOrphan func(ch *esl.Channel)

	metrics *metrics
	log     logger.StructuredLogger
}

// NewPendingRegistry создает реестр с таймаутом сопоставления timeout
func NewPendingRegistry(timeout time.Duration, onOrphan func(ch *esl.Channel), log logger.StructuredLogger) *PendingRegistry {
	if timeout <= 0 {
		timeout = DefaultMatchTimeout
	}
	if onOrphan == nil {
		onOrphan = func(ch *esl.Channel) { ch.Close() }
	}
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &PendingRegistry{
		entries:  make(map[string]*pendingEntry),
		timeout:  timeout,
		onOrphan: onOrphan,
		metrics:  newMetrics(MetricsConfig{}, ""),
		log:      log.WithComponent("pending"),
	}
}

// Register создает запись с новым токеном. Вызывается до отправки INVITE.
func (r *PendingRegistry) Register() string {
	token := uuid.NewString()

	r.mu.Lock()
	r.entries[token] = &pendingEntry{
		token:   token,
		created: time.Now(),
		matched: make(chan struct{}),
	}
	n := len(r.entries)
	r.mu.Unlock()

	r.metrics.pendingConnections.Set(float64(n))
	return token
}

// AttachConnection передает реестру входящее соединение с токеном token.
// Неизвестный токен возвращает ErrUnknownToken, соединение остается вызывающему.
func (r *PendingRegistry) AttachConnection(token string, ch *esl.Channel) error {
	r.mu.Lock()
	entry, ok := r.entries[token]
	if !ok || entry.channel != nil {
		r.mu.Unlock()
		return NewError(CodeUnknownToken, ErrUnknownToken.Message, ErrorCategoryConnection).
			WithField("token", token)
	}

	entry.channel = ch
	if entry.dialog != nil {
		r.completeLocked(entry, nil)
		r.mu.Unlock()
		r.log.Debug(context.Background(), "соединение сопоставлено с диалогом",
			logger.String("token", token),
			logger.Duration("elapsed", time.Since(entry.created)))
		return nil
	}

	r.armLocked(entry)
	r.mu.Unlock()

	r.log.Debug(context.Background(), "соединение пришло раньше диалога", logger.String("token", token))
	return nil
}

// Await передает реестру установленный диалог и ждет соединение.
// При любой ошибке диалог завершается, а запись удаляется.
func (r *PendingRegistry) Await(ctx context.Context, token string, dialog signaling.Dialog) (*esl.Channel, error) {
	r.mu.Lock()
	entry, ok := r.entries[token]
	if !ok {
		r.mu.Unlock()
		r.hangupDialog(dialog)
		return nil, connectionTimeout(token)
	}

	entry.dialog = dialog
	if entry.channel != nil {
		r.completeLocked(entry, nil)
	} else {
		r.armLocked(entry)
	}
	r.mu.Unlock()

	select {
	case <-entry.matched:
	case <-ctx.Done():
		r.mu.Lock()
		if r.entries[token] == entry {
			r.completeLocked(entry, ctx.Err())
		}
		r.mu.Unlock()
		<-entry.matched
	}

	if entry.err != nil {
		r.hangupDialog(dialog)
		return nil, entry.err
	}

	r.metrics.matchedConnections.Inc()
	return entry.channel, nil
}

// Cancel удаляет запись, например после неудачного INVITE.
// Пришедшее соединение передается onOrphan.
func (r *PendingRegistry) Cancel(token string) {
	r.mu.Lock()
	entry, ok := r.entries[token]
	if !ok {
		r.mu.Unlock()
		return
	}
	ch := entry.channel
	r.completeLocked(entry, context.Canceled)
	r.mu.Unlock()

	if ch != nil {
		r.onOrphan(ch)
	}
}

// Len количество записей в реестре
func (r *PendingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Has проверяет наличие записи
func (r *PendingRegistry) Has(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[token]
	return ok
}

// armLocked запускает таймер при появлении первой половины
func (r *PendingRegistry) armLocked(entry *pendingEntry) {
	if entry.timer != nil {
		return
	}
	entry.timer = time.AfterFunc(r.timeout, func() { r.expire(entry) })
}

func (r *PendingRegistry) expire(entry *pendingEntry) {
	r.mu.Lock()
	if r.entries[entry.token] != entry {
		r.mu.Unlock()
		return
	}
	ch := entry.channel
	r.completeLocked(entry, connectionTimeout(entry.token))
	r.mu.Unlock()

	r.metrics.timedOut.Inc()
	r.log.Warn(context.Background(), "таймаут ожидания соединения",
		logger.String("token", entry.token),
		logger.Bool("has_dialog", entry.dialog != nil),
		logger.Bool("has_connection", ch != nil))

	if ch != nil {
		r.onOrphan(ch)
	}
}

// completeLocked удаляет запись и будит ожидающего
func (r *PendingRegistry) completeLocked(entry *pendingEntry, err error) {
	delete(r.entries, entry.token)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.err = err
	close(entry.matched)
	r.metrics.pendingConnections.Set(float64(len(r.entries)))
}

func (r *PendingRegistry) hangupDialog(dialog signaling.Dialog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dialog.Bye(ctx); err != nil {
		r.log.Debug(ctx, "не удалось завершить диалог",
			logger.String("call_id", dialog.CallID()), logger.Err(err))
	}
}
