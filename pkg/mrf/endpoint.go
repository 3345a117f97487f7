package mrf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/fsmrf/pkg/esl"
	"github.com/arzzra/fsmrf/pkg/logger"
	"github.com/arzzra/fsmrf/pkg/signaling"
)

// EndpointState состояние endpoint
type EndpointState string

const (
	StateNotConnected EndpointState = "not_connected"
	StateEarly        EndpointState = "early"
	StateConnected    EndpointState = "connected"
	StateDisconnected EndpointState = "disconnected"
)

// События автомата состояний endpoint
const (
	eventEarly      = "early"
	eventConnect    = "connect"
	eventDisconnect = "disconnect"
)

// eventsOfInterest события, на которые подписывается каждый endpoint
var eventsOfInterest = []string{
	esl.EventChannelExecute,
	esl.EventChannelExecuteComplete,
	esl.EventChannelProgressMedia,
	esl.EventChannelCallState,
	esl.EventChannelAnswer,
	esl.EventChannelHangup,
	"CUSTOM " + conferenceMaintenance,
}

const conferenceMaintenance = "conference::maintenance"

// teardownTimeout время на завершение второй стороны после разрыва первой
const teardownTimeout = 5 * time.Second

// MediaInfo сетевые параметры одной стороны медиа потока
type MediaInfo struct {
	SDP       string
	MediaIP   string
	MediaPort int
}

// Membership участие endpoint в конференции
type Membership struct {
	Name     string
	MemberID int
	UUID     string
}

// endpointConfig параметры создания endpoint
type endpointConfig struct {
	codecs       []string
	customEvents []string
	metrics      *metrics
	log          logger.StructuredLogger
}

// Endpoint медиа ресурс на FreeSWITCH: одно outbound event socket
// соединение и один SIP диалог.
type Endpoint struct {
	uuid   string
	ch     *esl.Channel
	dialog signaling.Dialog
	secure bool

	stateMachine *fsm.FSM

	mu       sync.RWMutex
	local    MediaInfo
	remote   MediaInfo
	callID   string
	dtmfType string
	conf     *Membership
	joining  bool

	customEvents map[string]func()
	callStateFns []func(state string)

	ready     chan struct{}
	readyStart sync.Once
	readyOnce  sync.Once
	readyErr  error

	done     chan struct{}
	doneOnce sync.Once

	metrics *metrics
	log     logger.StructuredLogger
}

// newEndpoint создает endpoint из сопоставленной пары соединение + диалог
// и запускает чтение переменных канала. Готовность ожидается через WaitReady.
func newEndpoint(ctx context.Context, ch *esl.Channel, dialog signaling.Dialog, cfg endpointConfig) (*Endpoint, error) {
	info := ch.Info()
	id := info.Get("Channel-Unique-ID")
	if id == "" {
		id = info.Get("Unique-ID")
	}
	if cfg.log == nil {
		cfg.log = logger.GetDefaultLogger()
	}
	if cfg.metrics == nil {
		cfg.metrics = newMetrics(MetricsConfig{}, "")
	}

	e := &Endpoint{
		uuid:         id,
		ch:           ch,
		dialog:       dialog,
		secure:       IsSecureSDP(info.Get("variable_switch_r_sdp")),
		customEvents: make(map[string]func()),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		metrics:      cfg.metrics,
		log:          cfg.log.WithComponent("endpoint").WithFields(logger.String("uuid", id)),
	}
	e.initStateMachine()

	ch.On(esl.EventChannelCallState, e.onCallState)
	ch.On(esl.EventChannelAnswer, e.onAnswer)
	ch.On(esl.EventChannelHangup, e.onHangup)
	ch.On(conferenceMaintenance, e.onConferenceEvent)

	events := append([]string(nil), eventsOfInterest...)
	for _, name := range cfg.customEvents {
		events = append(events, "CUSTOM "+name)
	}
	if err := ch.Subscribe(ctx, events...); err != nil {
		return nil, fmt.Errorf("подписка на события канала %s: %w", id, err)
	}
	if err := ch.Filter(ctx, "Unique-ID", id); err != nil {
		return nil, fmt.Errorf("фильтр событий канала %s: %w", id, err)
	}

	if len(cfg.codecs) > 0 {
		if err := ch.ExecuteAsync(ctx, id, "set", "codec_string="+strings.Join(cfg.codecs, ",")); err != nil {
			return nil, err
		}
	}

	e.metrics.activeEndpoints.Inc()
	go e.watch()

	// Для DTLS-SRTP переменные доступны только после EARLY
	if !e.secure {
		e.startReady()
	} else if state := info.Get("Channel-Call-State"); state == "EARLY" || state == "ACTIVE" {
		_ = e.stateMachine.Event(context.Background(), eventEarly)
		e.startReady()
	}

	e.log.Debug(ctx, "endpoint создан", logger.Bool("secure", e.secure))
	return e, nil
}

// initStateMachine инициализирует конечный автомат состояний
func (e *Endpoint) initStateMachine() {
	e.stateMachine = fsm.NewFSM(
		string(StateNotConnected),
		fsm.Events{
			{Name: eventEarly, Src: []string{string(StateNotConnected)}, Dst: string(StateEarly)},
			{Name: eventConnect, Src: []string{string(StateNotConnected), string(StateEarly)}, Dst: string(StateConnected)},
			{Name: eventDisconnect, Src: []string{string(StateNotConnected), string(StateEarly), string(StateConnected)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, ev *fsm.Event) {
				e.log.Debug(ctx, "смена состояния",
					logger.String("from", ev.Src), logger.String("to", ev.Dst))
			},
		},
	)
}

// UUID идентификатор канала FreeSWITCH
func (e *Endpoint) UUID() string { return e.uuid }

// State текущее состояние
func (e *Endpoint) State() EndpointState {
	return EndpointState(e.stateMachine.Current())
}

// Secure передается ли медиа по DTLS-SRTP
func (e *Endpoint) Secure() bool { return e.secure }

// Local параметры медиа на стороне FreeSWITCH
func (e *Endpoint) Local() MediaInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.local
}

// Remote параметры медиа удаленной стороны
func (e *Endpoint) Remote() MediaInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.remote
}

// CallID Call-ID SIP диалога с FreeSWITCH
func (e *Endpoint) CallID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.callID
}

// DtmfType способ передачи DTMF, согласованный FreeSWITCH
func (e *Endpoint) DtmfType() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dtmfType
}

// Conference текущее участие в конференции или nil
func (e *Endpoint) Conference() *Membership {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.conf == nil {
		return nil
	}
	c := *e.conf
	return &c
}

// Dialog SIP диалог endpoint
func (e *Endpoint) Dialog() signaling.Dialog { return e.dialog }

// Ready закрывается, когда переменные канала прочитаны
func (e *Endpoint) Ready() <-chan struct{} { return e.ready }

// WaitReady ждет готовности endpoint
func (e *Endpoint) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return e.readyErr
	case <-e.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done закрывается при переходе в DISCONNECTED
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// OnCallState регистрирует обработчик Channel-Call-State
func (e *Endpoint) OnCallState(fn func(state string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callStateFns = append(e.callStateFns, fn)
}

// startReady однократно запускает чтение переменных канала и переход в CONNECTED
func (e *Endpoint) startReady() {
	e.readyStart.Do(func() { go e.becomeReady(eventConnect) })
}

func (e *Endpoint) becomeReady(event string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vars, err := e.GetChannelVariables(ctx, true)
	if err == nil {
		e.mu.Lock()
		e.local = MediaInfo{
			SDP:       esl.StringVar(vars, "variable_rtp_local_sdp_str"),
			MediaIP:   esl.StringVar(vars, "variable_local_media_ip"),
			MediaPort: esl.IntVar(vars, "variable_local_media_port"),
		}
		e.remote = MediaInfo{
			SDP:       esl.StringVar(vars, "variable_switch_r_sdp"),
			MediaIP:   esl.StringVar(vars, "variable_remote_media_ip"),
			MediaPort: esl.IntVar(vars, "variable_remote_media_port"),
		}
		e.dtmfType = esl.StringVar(vars, "variable_dtmf_type")
		e.callID = esl.StringVar(vars, "variable_sip_call_id")
		e.mu.Unlock()

		if err = e.stateMachine.Event(ctx, event); isNoTransition(err) {
			err = nil
		}
	}
	if err != nil {
		e.log.LogError(ctx, err, "не удалось прочитать переменные канала")
	}

	e.readyOnce.Do(func() {
		e.readyErr = err
		close(e.ready)
	})
}

func isNoTransition(err error) bool {
	var noTransition fsm.NoTransitionError
	return errors.As(err, &noTransition)
}

// GetChannelVariables читает переменные канала через uuid_dump.
// includeMedia дополнительно обновляет RTP счетчики.
func (e *Endpoint) GetChannelVariables(ctx context.Context, includeMedia bool) (map[string]any, error) {
	if includeMedia {
		if _, err := e.ch.API(ctx, "uuid_set_media_stats "+e.uuid); err != nil {
			return nil, err
		}
	}
	body, err := e.ch.API(ctx, "uuid_dump "+e.uuid)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(body, "-ERR") {
		return nil, ProtocolError(body)
	}
	return esl.ParseChannelVariables(body), nil
}

func (e *Endpoint) onCallState(ev *esl.Event) {
	state := ev.Get("Channel-Call-State")

	switch state {
	case "EARLY":
		if e.State() == StateNotConnected {
			_ = e.stateMachine.Event(context.Background(), eventEarly)
			if e.secure {
				// Ответ уже отправлен, FreeSWITCH ждет DTLS рукопожатия
				e.startReady()
			}
		}
	case "ACTIVE":
		e.onAnswer(ev)
	}

	e.mu.RLock()
	fns := slices.Clone(e.callStateFns)
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(state)
	}
}

// onAnswer канал отвечен: EARLY мог не прийти
func (e *Endpoint) onAnswer(*esl.Event) {
	switch e.State() {
	case StateNotConnected, StateEarly:
		e.startReady()
	}
}

func (e *Endpoint) onHangup(ev *esl.Event) {
	e.log.Debug(context.Background(), "канал завершен",
		logger.String("cause", ev.Get("Hangup-Cause")))
	if e.disconnect() {
		go e.ch.Close()
	}
}

// watch следит за разрывом диалога и event socket соединения
func (e *Endpoint) watch() {
	select {
	case <-e.dialog.Done():
		e.log.Debug(context.Background(), "получен BYE от медиа сервера")
		if e.disconnect() {
			e.ch.Close()
		}
	case <-e.ch.Done():
		if e.disconnect() {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			_ = e.dialog.Bye(ctx)
			cancel()
		}
	case <-e.done:
	}
}

// disconnect переводит endpoint в DISCONNECTED.
// Возвращает false, если переход уже выполнен.
func (e *Endpoint) disconnect() bool {
	if err := e.stateMachine.Event(context.Background(), eventDisconnect); err != nil {
		return false
	}
	e.doneOnce.Do(func() {
		close(e.done)
		e.metrics.activeEndpoints.Dec()
	})
	return true
}

// Destroy завершает канал и ждет BYE от медиа сервера.
// Допустим только в состоянии CONNECTED.
func (e *Endpoint) Destroy(ctx context.Context) error {
	if state := e.State(); state != StateConnected {
		return StateError("destroy", string(state)).WithField("uuid", e.uuid)
	}
	if !e.disconnect() {
		return StateError("destroy", string(e.State())).WithField("uuid", e.uuid)
	}

	e.log.Debug(ctx, "hangup")
	if err := e.ch.ExecuteAsync(ctx, e.uuid, "hangup", ""); err != nil {
		e.log.Debug(ctx, "hangup завершился ошибкой", logger.Err(err))
	}
	defer e.ch.Close()

	select {
	case <-e.dialog.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureConnected проверка перед командами, требующими живого канала
func (e *Endpoint) ensureConnected() error {
	if e.State() != StateConnected {
		return NewError(CodeNotConnected, ErrNotConnected.Message, ErrorCategoryState).
			WithField("uuid", e.uuid).WithField("state", e.State())
	}
	return nil
}

// API выполняет api команду FreeSWITCH и возвращает тело ответа
func (e *Endpoint) API(ctx context.Context, command string, args ...string) (string, error) {
	cmd := strings.TrimSpace(command + " " + strings.Join(args, " "))
	return e.ch.API(ctx, cmd)
}

// Execute выполняет приложение на канале и ждет его завершения
func (e *Endpoint) Execute(ctx context.Context, app, arg string) (*esl.Event, error) {
	if err := e.ensureConnected(); err != nil {
		return nil, err
	}
	return e.ch.Execute(ctx, e.uuid, app, arg)
}

// ExecuteAsync запускает приложение без ожидания завершения
func (e *Endpoint) ExecuteAsync(ctx context.Context, app, arg string) error {
	if err := e.ensureConnected(); err != nil {
		return err
	}
	return e.ch.ExecuteAsync(ctx, e.uuid, app, arg)
}

// Set устанавливает переменные канала
func (e *Endpoint) Set(ctx context.Context, vars map[string]string) error {
	return e.assign(ctx, "set", vars)
}

// Export устанавливает переменные канала с экспортом на связанный канал
func (e *Endpoint) Export(ctx context.Context, vars map[string]string) error {
	return e.assign(ctx, "export", vars)
}

func (e *Endpoint) assign(ctx context.Context, app string, vars map[string]string) error {
	for name, value := range vars {
		if _, err := e.Execute(ctx, app, name+"="+value); err != nil {
			return err
		}
	}
	return nil
}

// AddCustomEventListener подписывает endpoint на CUSTOM событие name
// (без префикса "CUSTOM "). Обработчик получает тело события, разобранное
// как JSON, или исходный текст, если это не JSON.
func (e *Endpoint) AddCustomEventListener(ctx context.Context, name string, handler func(body any)) error {
	if name == "" || strings.HasPrefix(name, "CUSTOM ") {
		return InvalidArgument("имя события не должно быть пустым или содержать префикс CUSTOM: %q", name)
	}
	if handler == nil {
		return InvalidArgument("обработчик события %s не задан", name)
	}
	if err := e.ch.Subscribe(ctx, "CUSTOM "+name); err != nil {
		return err
	}

	off := e.ch.On(name, func(ev *esl.Event) {
		var parsed any
		if err := json.Unmarshal([]byte(ev.Body), &parsed); err == nil {
			handler(parsed)
			return
		}
		handler(ev.Body)
	})

	e.mu.Lock()
	prev := e.customEvents[name]
	e.customEvents[name] = off
	e.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

// RemoveCustomEventListener удаляет обработчик CUSTOM события name
func (e *Endpoint) RemoveCustomEventListener(name string) {
	e.mu.Lock()
	off := e.customEvents[name]
	delete(e.customEvents, name)
	e.mu.Unlock()
	if off != nil {
		off()
	}
}

func (e *Endpoint) String() string {
	local := e.Local()
	return fmt.Sprintf("Endpoint{uuid=%s state=%s local=%s:%d}", e.uuid, e.State(), local.MediaIP, local.MediaPort)
}
