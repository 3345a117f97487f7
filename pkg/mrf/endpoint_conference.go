package mrf

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/arzzra/fsmrf/pkg/esl"
	"github.com/arzzra/fsmrf/pkg/logger"
)

// JoinOptions параметры входа в конференцию
type JoinOptions struct {
	Profile string
	Pin     string
	// Flags флаги участника, например "mute", "moderator", "endconf".
	// Имена в camelCase приводятся к виду FreeSWITCH: waitMod -> wait-mod.
	Flags []string
}

// joinArgs аргумент приложения conference: name[@profile][+pin][+flags{a|b}]
func joinArgs(name string, opts JoinOptions) string {
	flags := make([]string, 0, len(opts.Flags))
	for _, f := range opts.Flags {
		if f = kebabCase(f); f != "" {
			flags = append(flags, f)
		}
	}

	var sb strings.Builder
	sb.WriteString(name)
	if opts.Profile != "" {
		sb.WriteString("@" + opts.Profile)
	}
	if opts.Pin != "" || len(flags) > 0 {
		sb.WriteString("+")
	}
	sb.WriteString(opts.Pin)
	if len(flags) > 0 {
		sb.WriteString("+flags{" + strings.Join(flags, "|") + "}")
	}
	return sb.String()
}

func kebabCase(s string) string {
	var sb strings.Builder
	for i, r := range s {
		switch {
		case r == '_' || r == ' ':
			sb.WriteRune('-')
		case unicode.IsUpper(r):
			if i > 0 {
				sb.WriteRune('-')
			}
			sb.WriteRune(unicode.ToLower(r))
		default:
			sb.WriteRune(r)
		}
	}
	return strings.Trim(sb.String(), "-")
}

// memberChannel uuid канала участника из события conference::maintenance
func memberChannel(ev *esl.Event) string {
	if id := ev.Get("Unique-ID"); id != "" {
		return id
	}
	return ev.Get("Channel-Call-UUID")
}

// JoinResult подтверждение входа в конференцию
type JoinResult struct {
	MemberID int
	ConfUUID string
}

// Join подключает endpoint к конференции name и ждет add-member
// для этого канала. Одновременно выполняется не более одного Join.
func (e *Endpoint) Join(ctx context.Context, name string, opts JoinOptions) (JoinResult, error) {
	if name == "" {
		return JoinResult{}, InvalidArgument("не указано имя конференции")
	}
	if err := e.ensureConnected(); err != nil {
		return JoinResult{}, err
	}

	e.mu.Lock()
	if e.joining {
		e.mu.Unlock()
		return JoinResult{}, NewError(CodeJoinInProgress, ErrJoinInProgress.Message, ErrorCategoryValidation).
			WithField("uuid", e.uuid)
	}
	e.joining = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.joining = false
		e.mu.Unlock()
	}()

	joined := make(chan JoinResult, 1)
	off := e.ch.On(conferenceMaintenance, func(ev *esl.Event) {
		if ev.Get("Action") != "add-member" || memberChannel(ev) != e.uuid {
			return
		}
		id, ok := ev.GetInt("Member-ID")
		if !ok {
			id = -1
		}
		select {
		case joined <- JoinResult{MemberID: id, ConfUUID: ev.Get("Conference-Unique-ID")}:
		default:
		}
	})
	defer off()

	args := joinArgs(name, opts)
	e.log.Debug(ctx, "вход в конференцию", logger.String("args", args))

	// conference выполняется, пока участник в конференции, поэтому без ожидания завершения
	if err := e.ch.ExecuteAsync(ctx, e.uuid, "conference", args); err != nil {
		return JoinResult{}, err
	}

	select {
	case res := <-joined:
		e.mu.Lock()
		e.conf = &Membership{Name: name, MemberID: res.MemberID, UUID: res.ConfUUID}
		e.mu.Unlock()
		e.log.Info(ctx, "endpoint в конференции",
			logger.String("conference", name),
			logger.Int("member_id", res.MemberID),
			logger.String("conf_uuid", res.ConfUUID))
		return res, nil
	case <-e.done:
		return JoinResult{}, ErrNotConnected
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}
}

// JoinConference подключает endpoint к конференции c
func (e *Endpoint) JoinConference(ctx context.Context, c *Conference, opts JoinOptions) (JoinResult, error) {
	return e.Join(ctx, c.Name(), opts)
}

// onConferenceEvent сбрасывает участие, когда участник покинул конференцию
func (e *Endpoint) onConferenceEvent(ev *esl.Event) {
	if ev.Get("Action") != "del-member" {
		return
	}
	id, ok := ev.GetInt("Member-ID")
	if !ok {
		return
	}
	e.mu.Lock()
	if e.conf != nil && e.conf.MemberID == id {
		e.conf = nil
	}
	e.mu.Unlock()
}

// memberOpsExpectOK операции участника, успех которых подтверждается ответом "OK ..."
var memberOpsExpectOK = map[string]bool{
	"mute": true, "deaf": true, "unmute": true, "undeaf": true, "kick": true,
	"tmute": true, "vmute": true, "unvmute": true, "vmute-snap": true, "dtmf": true,
}

var okPrefix = regexp.MustCompile(`^OK\s+`)

// memberOp выполняет "conference <name> <op> <memberId> [args]"
func (e *Endpoint) memberOp(ctx context.Context, op string, args ...string) (string, error) {
	m := e.Conference()
	if m == nil {
		return "", NewError(CodeNotInConference, ErrNotInConference.Message, ErrorCategoryValidation).
			WithField("uuid", e.uuid).WithField("op", op)
	}

	parts := append([]string{m.Name, op, strconv.Itoa(m.MemberID)}, args...)
	body, err := e.API(ctx, "conference", parts...)
	if err != nil {
		return "", err
	}
	if memberOpsExpectOK[op] && !okPrefix.MatchString(body) {
		return "", ProtocolError(body)
	}
	return body, nil
}

// ConfMute выключает микрофон участника
func (e *Endpoint) ConfMute(ctx context.Context) (string, error) { return e.memberOp(ctx, "mute") }

// ConfUnmute включает микрофон участника
func (e *Endpoint) ConfUnmute(ctx context.Context) (string, error) { return e.memberOp(ctx, "unmute") }

// ConfDeaf отключает участнику звук конференции
func (e *Endpoint) ConfDeaf(ctx context.Context) (string, error) { return e.memberOp(ctx, "deaf") }

// ConfUndeaf возвращает участнику звук конференции
func (e *Endpoint) ConfUndeaf(ctx context.Context) (string, error) { return e.memberOp(ctx, "undeaf") }

// ConfKick удаляет участника из конференции
func (e *Endpoint) ConfKick(ctx context.Context) (string, error) { return e.memberOp(ctx, "kick") }

// Unjoin синоним ConfKick
func (e *Endpoint) Unjoin(ctx context.Context) (string, error) { return e.ConfKick(ctx) }

// ConfHup удаляет участника без звука выхода
func (e *Endpoint) ConfHup(ctx context.Context) (string, error) { return e.memberOp(ctx, "hup") }

// ConfTmute переключает mute
func (e *Endpoint) ConfTmute(ctx context.Context) (string, error) { return e.memberOp(ctx, "tmute") }

// ConfVmute выключает видео участника
func (e *Endpoint) ConfVmute(ctx context.Context) (string, error) { return e.memberOp(ctx, "vmute") }

// ConfUnvmute включает видео участника
func (e *Endpoint) ConfUnvmute(ctx context.Context) (string, error) {
	return e.memberOp(ctx, "unvmute")
}

// ConfVmuteSnap снимок видео участника
func (e *Endpoint) ConfVmuteSnap(ctx context.Context) (string, error) {
	return e.memberOp(ctx, "vmute-snap")
}

// ConfSayMember произносит текст участнику
func (e *Endpoint) ConfSayMember(ctx context.Context, text string) (string, error) {
	return e.memberOp(ctx, "saymember", text)
}

// ConfDtmf отправляет участнику DTMF
func (e *Endpoint) ConfDtmf(ctx context.Context, digits string) (string, error) {
	if digits == "" {
		return "", InvalidArgument("не указаны цифры DTMF")
	}
	return e.memberOp(ctx, "dtmf", digits)
}

// ConfPlayOptions параметры воспроизведения участнику
type ConfPlayOptions struct {
	Volume     int
	FullScreen string
	PngMs      int
}

var playingToMember = regexp.MustCompile(`Playing file.*to member`)

// ConfPlay воспроизводит файл участнику конференции.
// Завершается после постановки файла в очередь.
func (e *Endpoint) ConfPlay(ctx context.Context, file string, opts ConfPlayOptions) (string, error) {
	if file == "" {
		return "", InvalidArgument("не указан файл для воспроизведения")
	}
	m := e.Conference()
	if m == nil {
		return "", NewError(CodeNotInConference, ErrNotInConference.Message, ErrorCategoryValidation).
			WithField("uuid", e.uuid).WithField("op", "play")
	}

	var params []string
	if opts.Volume != 0 {
		params = append(params, fmt.Sprintf("vol=%d", opts.Volume))
	}
	if opts.FullScreen != "" {
		params = append(params, "full-screen="+opts.FullScreen)
	}
	if opts.PngMs != 0 {
		params = append(params, fmt.Sprintf("png_ms=%d", opts.PngMs))
	}

	parts := []string{m.Name, "play", file}
	if len(params) > 0 {
		parts = append(parts, strings.Join(params, ","))
	}
	parts = append(parts, strconv.Itoa(m.MemberID))

	body, err := e.API(ctx, "conference", parts...)
	if err != nil {
		return "", err
	}
	if !playingToMember.MatchString(body) {
		return "", ProtocolError(body)
	}
	return body, nil
}

var sentToConference = regexp.MustCompile(`^OK Member.*sent to conference`)

// Transfer переводит участника в конференцию newConf
func (e *Endpoint) Transfer(ctx context.Context, newConf string) (string, error) {
	if newConf == "" {
		return "", InvalidArgument("не указана конференция для перевода")
	}
	m := e.Conference()
	if m == nil {
		return "", NewError(CodeNotInConference, ErrNotInConference.Message, ErrorCategoryValidation).
			WithField("uuid", e.uuid).WithField("op", "transfer")
	}

	body, err := e.API(ctx, "conference", m.Name, "transfer", newConf, strconv.Itoa(m.MemberID))
	if err != nil {
		return "", err
	}
	if !sentToConference.MatchString(body) {
		return "", ProtocolError(body)
	}

	e.mu.Lock()
	if e.conf != nil && e.conf.MemberID == m.MemberID {
		e.conf.Name = newConf
	}
	e.mu.Unlock()
	return body, nil
}
