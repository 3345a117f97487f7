package mrf

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/arzzra/fsmrf/pkg/esl"
	"github.com/arzzra/fsmrf/pkg/logger"
)

// ConferenceAction значение заголовка Action события conference::maintenance
type ConferenceAction string

const (
	ActionAddMember      ConferenceAction = "add-member"
	ActionDelMember      ConferenceAction = "del-member"
	ActionStartTalking   ConferenceAction = "start-talking"
	ActionStopTalking    ConferenceAction = "stop-talking"
	ActionMuteDetect     ConferenceAction = "mute-detect"
	ActionMuteMember     ConferenceAction = "mute-member"
	ActionUnmuteMember   ConferenceAction = "unmute-member"
	ActionDeafMember     ConferenceAction = "deaf-member"
	ActionUndeafMember   ConferenceAction = "undeaf-member"
	ActionKickMember     ConferenceAction = "kick-member"
	ActionDtmfMember     ConferenceAction = "dtmf-member"
	ActionPlayFile       ConferenceAction = "play-file"
	ActionPlayFileMember ConferenceAction = "play-file-member"
	ActionPlayFileDone   ConferenceAction = "play-file-done"
	ActionLock           ConferenceAction = "lock"
	ActionUnlock         ConferenceAction = "unlock"
	ActionTransfer       ConferenceAction = "transfer"
	ActionStartRecording ConferenceAction = "start-recording"
	ActionStopRecording  ConferenceAction = "stop-recording"
)

// Participant участник конференции
type Participant struct {
	MemberID    int
	Type        string
	Ghost       bool
	ChannelUUID string
}

// ConferenceEvent изменение состояния конференции, передаваемое подписчикам
type ConferenceEvent struct {
	Action      ConferenceAction
	MemberID    int
	Participant Participant
	Size        int
	Event       *esl.Event
}

// ConferenceOptions параметры создания конференции
type ConferenceOptions struct {
	Profile string
	Pin     string
	// Flags дополнительные флаги управляющего участника
	Flags []string
	// MaxMembers ограничение числа участников, 0 без ограничения
	MaxMembers int
}

type conferenceHandler func(c *Conference, ev *esl.Event)

// conferenceHandlers обработчики событий по Action.
// Неизвестные действия логируются и отбрасываются.
var conferenceHandlers = map[ConferenceAction]conferenceHandler{
	ActionAddMember:      (*Conference).onAddMember,
	ActionDelMember:      (*Conference).onDelMember,
	ActionStartTalking:   (*Conference).onMemberActivity,
	ActionStopTalking:    (*Conference).onMemberActivity,
	ActionMuteDetect:     (*Conference).onMemberActivity,
	ActionMuteMember:     (*Conference).onMemberActivity,
	ActionUnmuteMember:   (*Conference).onMemberActivity,
	ActionDeafMember:     (*Conference).onMemberActivity,
	ActionUndeafMember:   (*Conference).onMemberActivity,
	ActionKickMember:     (*Conference).onMemberActivity,
	ActionDtmfMember:     (*Conference).onMemberActivity,
	ActionPlayFile:       (*Conference).onPlayFile,
	ActionPlayFileMember: (*Conference).onPlayFile,
	ActionPlayFileDone:   (*Conference).onPlayFileDone,
	ActionLock:           (*Conference).onLock,
	ActionUnlock:         (*Conference).onLock,
	ActionTransfer:       (*Conference).onMemberActivity,
	ActionStartRecording: (*Conference).onRecording,
	ActionStopRecording:  (*Conference).onRecording,
}

// Conference конференция FreeSWITCH, которой владеет управляющий endpoint.
// Состояние участников изменяется только событиями add-member / del-member.
type Conference struct {
	name     string
	endpoint *Endpoint

	mu           sync.RWMutex
	uuid         string
	memberID     int
	locked       bool
	recordFile   string
	maxMembers   int
	participants map[int]Participant
	subscribers  []func(ConferenceEvent)

	plays *playQueue

	off       func()
	closeOnce sync.Once

	metrics *metrics
	log     logger.StructuredLogger
}

// newConference создает конференцию и подписывает ее на события
// управляющего endpoint. Вызывается до входа управляющего участника,
// чтобы его add-member попал в состав участников.
func newConference(name string, ep *Endpoint, m *metrics, log logger.StructuredLogger) *Conference {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	if m == nil {
		m = ep.metrics
	}
	c := &Conference{
		name:         name,
		endpoint:     ep,
		memberID:     -1,
		maxMembers:   -1,
		participants: make(map[int]Participant),
		plays:        newPlayQueue(),
		metrics:      m,
		log:          log.WithComponent("conference").WithFields(logger.String("conference", name)),
	}
	c.off = ep.ch.On(conferenceMaintenance, c.dispatch)
	c.metrics.activeConferences.Inc()
	go func() {
		<-ep.Done()
		c.release()
	}()
	return c
}

// Name имя конференции
func (c *Conference) Name() string { return c.name }

// UUID идентификатор конференции, назначенный сервером
func (c *Conference) UUID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uuid
}

// MemberID идентификатор управляющего участника
func (c *Conference) MemberID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memberID
}

// setControlMember сохраняет результат входа управляющего участника
func (c *Conference) setControlMember(res JoinResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memberID = res.MemberID
	if c.uuid == "" {
		c.uuid = res.ConfUUID
	}
}

// Endpoint управляющий endpoint конференции
func (c *Conference) Endpoint() *Endpoint { return c.endpoint }

// Locked заблокирована ли конференция
func (c *Conference) Locked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.locked
}

// RecordFile файл текущей записи или пустая строка
func (c *Conference) RecordFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recordFile
}

// MaxMembers ограничение числа участников, -1 если не задано
func (c *Conference) MaxMembers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxMembers
}

// Participants копия состава участников
func (c *Conference) Participants() map[int]Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]Participant, len(c.participants))
	for id, p := range c.participants {
		out[id] = p
	}
	return out
}

// Participant участник с идентификатором memberID
func (c *Conference) Participant(memberID int) (Participant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.participants[memberID]
	return p, ok
}

// OnEvent регистрирует подписчика на изменения состава и состояния.
// Подписчик вызывается из горутины чтения событий и не должен блокироваться.
func (c *Conference) OnEvent(fn func(ConferenceEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func (c *Conference) dispatch(ev *esl.Event) {
	if id := c.UUID(); id != "" && ev.Get("Conference-Unique-ID") != id {
		return
	}
	if ev.Get("Conference-Name") != "" && ev.Get("Conference-Name") != c.name {
		return
	}

	action := ConferenceAction(ev.Get("Action"))
	handler, ok := conferenceHandlers[action]
	if !ok {
		c.log.Debug(context.Background(), "необработанное событие конференции",
			logger.String("action", string(action)))
		return
	}
	handler(c, ev)
}

func (c *Conference) onAddMember(ev *esl.Event) {
	memberID, _ := ev.GetInt("Member-ID")
	p := Participant{
		MemberID:    memberID,
		Type:        ev.Get("Member-Type"),
		Ghost:       ev.Get("Member-Ghost") == "true",
		ChannelUUID: ev.Get("Channel-Call-UUID"),
	}
	size, _ := ev.GetInt("Conference-Size")

	c.mu.Lock()
	first := c.uuid == ""
	if first {
		c.uuid = ev.Get("Conference-Unique-ID")
	}
	if c.memberID == -1 && p.ChannelUUID == c.endpoint.UUID() {
		c.memberID = memberID
	}
	c.participants[memberID] = p
	confUUID := c.uuid
	c.mu.Unlock()

	if first && confUUID != "" {
		c.log.Debug(context.Background(), "получен uuid конференции", logger.String("conf_uuid", confUUID))
		// Команда из горутины чтения событий заблокировала бы доставку ответа
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			if err := c.endpoint.ch.Filter(ctx, "Conference-Unique-ID", confUUID); err != nil {
				c.log.LogError(ctx, err, "не удалось установить фильтр конференции")
			}
		}()
	}

	c.log.Debug(context.Background(), "участник добавлен",
		logger.Int("member_id", memberID), logger.Int("size", size))
	c.notify(ConferenceEvent{Action: ActionAddMember, MemberID: memberID, Participant: p, Size: size, Event: ev})
}

func (c *Conference) onDelMember(ev *esl.Event) {
	memberID, _ := ev.GetInt("Member-ID")
	size, _ := ev.GetInt("Conference-Size")

	c.mu.Lock()
	p := c.participants[memberID]
	delete(c.participants, memberID)
	c.mu.Unlock()

	c.log.Debug(context.Background(), "участник удален",
		logger.Int("member_id", memberID), logger.Int("size", size))
	c.notify(ConferenceEvent{Action: ActionDelMember, MemberID: memberID, Participant: p, Size: size, Event: ev})
}

func (c *Conference) onMemberActivity(ev *esl.Event) {
	memberID, _ := ev.GetInt("Member-ID")
	action := ConferenceAction(ev.Get("Action"))
	c.log.Trace(context.Background(), string(action), logger.Int("member_id", memberID))

	p, _ := c.Participant(memberID)
	c.notify(ConferenceEvent{Action: action, MemberID: memberID, Participant: p, Event: ev})
}

func (c *Conference) onLock(ev *esl.Event) {
	action := ConferenceAction(ev.Get("Action"))
	c.mu.Lock()
	c.locked = action == ActionLock
	c.mu.Unlock()

	c.log.Debug(context.Background(), string(action))
	c.notify(ConferenceEvent{Action: action, Event: ev})
}

func (c *Conference) onRecording(ev *esl.Event) {
	action := ConferenceAction(ev.Get("Action"))
	fields := []logger.Field{logger.String("path", ev.Get("Path"))}
	if e := ev.Get("Error"); e != "" {
		fields = append(fields, logger.String("error", e))
	}
	c.log.Info(context.Background(), string(action), fields...)
	c.notify(ConferenceEvent{Action: action, Event: ev})
}

func (c *Conference) onPlayFile(ev *esl.Event) {
	c.log.Debug(context.Background(), "воспроизведение файла", logger.String("file", ev.Get("File")))
}

func (c *Conference) onPlayFileDone(ev *esl.Event) {
	file := ev.Get("File")
	played := PlaybackTotals{}
	played.Seconds, _ = ev.GetInt("seconds")
	played.Milliseconds, _ = ev.GetInt("milliseconds")
	played.Samples, _ = ev.GetInt("samples")

	if !c.plays.fileDone(file, played) {
		c.log.Debug(context.Background(), "play-file-done без ожидающего запроса", logger.String("file", file))
	}
}

func (c *Conference) notify(ev ConferenceEvent) {
	c.mu.RLock()
	subs := slices.Clone(c.subscribers)
	c.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Play воспроизводит файлы в конференцию по очереди и ждет окончания
// последнего. Файлы, которые сервер не нашел, пропускаются.
// Если ни один файл не поставлен в очередь, результат нулевой.
func (c *Conference) Play(ctx context.Context, files ...string) (PlaybackTotals, error) {
	if len(files) == 0 {
		return PlaybackTotals{}, InvalidArgument("не указаны файлы для воспроизведения")
	}

	req := c.plays.newRequest()
	for _, file := range files {
		// Запрос регистрируется до команды: play-file-done может прийти раньше ответа
		c.plays.track(req, file)
		body, err := c.endpoint.API(ctx, "conference", c.name, "play", file)
		if err != nil {
			c.plays.untrack(req, file)
			c.plays.seal(req)
			return PlaybackTotals{}, err
		}
		if playRejected(body) {
			c.plays.untrack(req, file)
			c.log.Info(ctx, "файл не поставлен в очередь",
				logger.String("file", file), logger.String("response", strings.TrimSpace(body)))
			continue
		}
	}
	c.plays.seal(req)

	select {
	case totals := <-req.done:
		return totals, nil
	case <-c.endpoint.Done():
		return PlaybackTotals{}, ErrNotConnected
	case <-ctx.Done():
		return PlaybackTotals{}, ctx.Err()
	}
}

func playRejected(body string) bool {
	return strings.Contains(body, " not found") ||
		strings.HasPrefix(body, "-ERR") ||
		strings.HasPrefix(body, "No active conferences")
}

// unaryOpsExpectOK команды конференции, успех которых подтверждается "OK "
var unaryOpsExpectOK = map[string]bool{
	"lock":   true,
	"unlock": true,
	"mute":   true,
	"deaf":   true,
	"unmute": true,
	"undeaf": true,
}

// unaryOp выполняет "conference <name> <op> [args]"
func (c *Conference) unaryOp(ctx context.Context, op string, args ...string) (string, error) {
	cmdArgs := append([]string{c.name, op}, args...)
	body, err := c.endpoint.API(ctx, "conference", cmdArgs...)
	if err != nil {
		return "", err
	}
	if unaryOpsExpectOK[op] && !okPrefix.MatchString(body) {
		return "", ProtocolError(body).WithField("conference", c.name)
	}
	if strings.HasPrefix(body, "-ERR") {
		return "", ProtocolError(body).WithField("conference", c.name)
	}
	return body, nil
}

// Agc управление автоматической регулировкой усиления
func (c *Conference) Agc(ctx context.Context, args ...string) (string, error) {
	return c.unaryOp(ctx, "agc", args...)
}

// List список участников в текстовом виде сервера
func (c *Conference) List(ctx context.Context, args ...string) (string, error) {
	return c.unaryOp(ctx, "list", args...)
}

// Lock запрещает вход новых участников
func (c *Conference) Lock(ctx context.Context) error {
	if _, err := c.unaryOp(ctx, "lock"); err != nil {
		return err
	}
	c.mu.Lock()
	c.locked = true
	c.mu.Unlock()
	return nil
}

// Unlock разрешает вход новых участников
func (c *Conference) Unlock(ctx context.Context) error {
	if _, err := c.unaryOp(ctx, "unlock"); err != nil {
		return err
	}
	c.mu.Lock()
	c.locked = false
	c.mu.Unlock()
	return nil
}

// Mute выключает микрофон участникам, например "all" или "non_moderator"
func (c *Conference) Mute(ctx context.Context, args ...string) error {
	_, err := c.unaryOp(ctx, "mute", args...)
	return err
}

func (c *Conference) Unmute(ctx context.Context, args ...string) error {
	_, err := c.unaryOp(ctx, "unmute", args...)
	return err
}

func (c *Conference) Deaf(ctx context.Context, args ...string) error {
	_, err := c.unaryOp(ctx, "deaf", args...)
	return err
}

func (c *Conference) Undeaf(ctx context.Context, args ...string) error {
	_, err := c.unaryOp(ctx, "undeaf", args...)
	return err
}

// ChkRecord состояние записи конференции
func (c *Conference) ChkRecord(ctx context.Context, args ...string) (string, error) {
	return c.unaryOp(ctx, "chkrecord", args...)
}

// Set устанавливает параметр конференции
func (c *Conference) Set(ctx context.Context, param, value string) (string, error) {
	body, err := c.unaryOp(ctx, "set", param, value)
	if err != nil {
		return "", err
	}
	if param == "max_members" {
		if n, convErr := strconv.Atoi(value); convErr == nil {
			c.mu.Lock()
			c.maxMembers = n
			c.mu.Unlock()
		}
	}
	return body, nil
}

// Get читает параметр конференции как текст
func (c *Conference) Get(ctx context.Context, param string) (string, error) {
	body, err := c.unaryOp(ctx, "get", param)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(body), nil
}

// GetInt читает числовой параметр конференции
func (c *Conference) GetInt(ctx context.Context, param string) (int, error) {
	body, err := c.Get(ctx, param)
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(body)
	if convErr != nil {
		return 0, ProtocolError(body).WithField("param", param)
	}
	return n, nil
}

// Size количество участников по данным сервера
func (c *Conference) Size(ctx context.Context) (int, error) {
	body, err := c.unaryOp(ctx, "list", "count")
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(body))
	if convErr != nil {
		return 0, ProtocolError(body).WithField("conference", c.name)
	}
	return n, nil
}

// StartRecording начинает запись конференции в file
func (c *Conference) StartRecording(ctx context.Context, file string) error {
	if err := c.recordingOp(ctx, "start", file, "^Record file %s\n$"); err != nil {
		return err
	}
	c.mu.Lock()
	c.recordFile = file
	c.mu.Unlock()
	return nil
}

// PauseRecording приостанавливает запись
func (c *Conference) PauseRecording(ctx context.Context, file string) error {
	return c.recordingOp(ctx, "pause", file, "^Pause recording file %s\n$")
}

// ResumeRecording возобновляет запись
func (c *Conference) ResumeRecording(ctx context.Context, file string) error {
	return c.recordingOp(ctx, "resume", file, "^Resume recording file %s\n$")
}

// StopRecording останавливает запись
func (c *Conference) StopRecording(ctx context.Context, file string) error {
	if err := c.recordingOp(ctx, "stop", file, "^Stopped recording file %s"); err != nil {
		return err
	}
	c.mu.Lock()
	c.recordFile = ""
	c.mu.Unlock()
	return nil
}

func (c *Conference) recordingOp(ctx context.Context, op, file, expect string) error {
	if file == "" {
		return InvalidArgument("не указан файл записи")
	}
	body, err := c.endpoint.API(ctx, "conference", c.name, "recording", op, file)
	if err != nil {
		return err
	}
	re := regexp.MustCompile(fmt.Sprintf(expect, regexp.QuoteMeta(file)))
	if !re.MatchString(body) {
		return ProtocolError(body).WithField("conference", c.name).WithField("file", file)
	}
	return nil
}

// Destroy завершает управляющий endpoint. С параметром endconf
// сервер закрывает конференцию вместе с ним.
func (c *Conference) Destroy(ctx context.Context) error {
	c.log.Debug(ctx, "уничтожение конференции")
	err := c.endpoint.Destroy(ctx)
	c.release()
	return err
}

func (c *Conference) release() {
	c.closeOnce.Do(func() {
		c.off()
		c.metrics.activeConferences.Dec()
	})
}

func (c *Conference) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("Conference{name=%s uuid=%s members=%d}", c.name, c.uuid, len(c.participants))
}
