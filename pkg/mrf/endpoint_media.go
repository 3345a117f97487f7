package mrf

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/fsmrf/pkg/esl"
)

// PlaybackResult длительность воспроизведения
type PlaybackResult struct {
	Seconds      int
	Milliseconds int
}

func playbackResult(ev *esl.Event) PlaybackResult {
	secs, _ := ev.GetInt("variable_playback_seconds")
	ms, _ := ev.GetInt("variable_playback_ms")
	return PlaybackResult{Seconds: secs, Milliseconds: ms}
}

// Play воспроизводит один или несколько файлов подряд
func (e *Endpoint) Play(ctx context.Context, files ...string) (PlaybackResult, error) {
	if len(files) == 0 {
		return PlaybackResult{}, InvalidArgument("не указан файл для воспроизведения")
	}
	for _, f := range files {
		if f == "" {
			return PlaybackResult{}, InvalidArgument("пустое имя файла для воспроизведения")
		}
	}
	if err := e.ensureConnected(); err != nil {
		return PlaybackResult{}, err
	}

	if len(files) > 1 {
		if _, err := e.Execute(ctx, "set", "playback_delimiter=!"); err != nil {
			return PlaybackResult{}, err
		}
	}
	ev, err := e.Execute(ctx, "playback", strings.Join(files, "!"))
	if err != nil {
		return PlaybackResult{}, err
	}
	return playbackResult(ev), nil
}

// PlayCollectOptions параметры play_and_get_digits.
// Нулевые значения заменяются значениями по умолчанию.
type PlayCollectOptions struct {
	File         string
	Min          int
	Max          int
	Tries        int
	Timeout      time.Duration
	Terminators  string
	InvalidFile  string
	VarName      string
	Regexp       string
	DigitTimeout time.Duration
}

func (o PlayCollectOptions) withDefaults() PlayCollectOptions {
	if o.Max == 0 {
		o.Max = 128
	}
	if o.Tries == 0 {
		o.Tries = 1
	}
	if o.Timeout == 0 {
		o.Timeout = 120 * time.Second
	}
	if o.Terminators == "" {
		o.Terminators = "#"
	}
	if o.InvalidFile == "" {
		o.InvalidFile = "silence_stream://250"
	}
	if o.VarName == "" {
		o.VarName = "myDigitBuffer"
	}
	if o.Regexp == "" {
		o.Regexp = `\d+`
	}
	if o.DigitTimeout == 0 {
		o.DigitTimeout = 8 * time.Second
	}
	return o
}

// args аргументы play_and_get_digits в порядке, который ожидает FreeSWITCH
func (o PlayCollectOptions) args() string {
	return strings.Join([]string{
		strconv.Itoa(o.Min),
		strconv.Itoa(o.Max),
		strconv.Itoa(o.Tries),
		strconv.FormatInt(o.Timeout.Milliseconds(), 10),
		o.Terminators,
		o.File,
		o.InvalidFile,
		o.VarName,
		o.Regexp,
		strconv.FormatInt(o.DigitTimeout.Milliseconds(), 10),
	}, " ")
}

// CollectResult результат сбора цифр
type CollectResult struct {
	Digits         string
	InvalidDigits  string
	TerminatorUsed string
	Playback       PlaybackResult
}

// PlayCollect воспроизводит приглашение и собирает цифры
func (e *Endpoint) PlayCollect(ctx context.Context, opts PlayCollectOptions) (CollectResult, error) {
	if opts.File == "" {
		return CollectResult{}, InvalidArgument("не указан файл приглашения")
	}
	if opts.Min < 0 || opts.Max < 0 || (opts.Max > 0 && opts.Min > opts.Max) {
		return CollectResult{}, InvalidArgument("некорректные границы числа цифр: min=%d max=%d", opts.Min, opts.Max)
	}
	opts = opts.withDefaults()

	ev, err := e.Execute(ctx, "play_and_get_digits", opts.args())
	if err != nil {
		return CollectResult{}, err
	}
	if app := ev.Get("variable_current_application"); app != "play_and_get_digits" {
		return CollectResult{}, ProtocolError(app)
	}

	return CollectResult{
		Digits:         ev.Get("variable_" + opts.VarName),
		InvalidDigits:  ev.Get("variable_" + opts.VarName + "_invalid"),
		TerminatorUsed: ev.Get("variable_read_terminator_used"),
		Playback:       playbackResult(ev),
	}, nil
}

// SayType что произносится командой say
type SayType string

const (
	SayNumber             SayType = "NUMBER"
	SayItems              SayType = "ITEMS"
	SayPersons            SayType = "PERSONS"
	SayMessages           SayType = "MESSAGES"
	SayCurrency           SayType = "CURRENCY"
	SayTimeMeasurement    SayType = "TIME_MEASUREMENT"
	SayCurrentDate        SayType = "CURRENT_DATE"
	SayCurrentTime        SayType = "CURRENT_TIME"
	SayCurrentDateTime    SayType = "CURRENT_DATE_TIME"
	SayTelephoneNumber    SayType = "TELEPHONE_NUMBER"
	SayTelephoneExtension SayType = "TELEPHONE_EXTENSION"
	SayURL                SayType = "URL"
	SayIPAddress          SayType = "IP_ADDRESS"
	SayEmailAddress       SayType = "EMAIL_ADDRESS"
	SayPostalAddress      SayType = "POSTAL_ADDRESS"
	SayAccountNumber      SayType = "ACCOUNT_NUMBER"
	SayNameSpelled        SayType = "NAME_SPELLED"
	SayNamePhonetic       SayType = "NAME_PHONETIC"
	SayShortDateTime      SayType = "SHORT_DATE_TIME"
)

var sayTypes = map[SayType]struct{}{
	SayNumber: {}, SayItems: {}, SayPersons: {}, SayMessages: {}, SayCurrency: {},
	SayTimeMeasurement: {}, SayCurrentDate: {}, SayCurrentTime: {}, SayCurrentDateTime: {},
	SayTelephoneNumber: {}, SayTelephoneExtension: {}, SayURL: {}, SayIPAddress: {},
	SayEmailAddress: {}, SayPostalAddress: {}, SayAccountNumber: {}, SayNameSpelled: {},
	SayNamePhonetic: {}, SayShortDateTime: {},
}

// SayMethod как произносится значение
type SayMethod string

const (
	SayPronounced SayMethod = "pronounced"
	SayIterated   SayMethod = "iterated"
	SayCounted    SayMethod = "counted"
)

// SayGender грамматический род
type SayGender string

const (
	SayFeminine  SayGender = "FEMININE"
	SayMasculine SayGender = "MASCULINE"
	SayNeuter    SayGender = "NEUTER"
)

// SayOptions параметры say. Lang по умолчанию "en".
type SayOptions struct {
	Lang   string
	Type   SayType
	Method SayMethod
	Gender SayGender
}

func (o SayOptions) validate() (SayOptions, error) {
	if o.Lang == "" {
		o.Lang = "en"
	}
	o.Type = SayType(strings.ToUpper(string(o.Type)))
	o.Method = SayMethod(strings.ToLower(string(o.Method)))
	o.Gender = SayGender(strings.ToUpper(string(o.Gender)))

	if _, ok := sayTypes[o.Type]; !ok {
		return o, InvalidArgument("недопустимое значение sayType: %q", o.Type)
	}
	switch o.Method {
	case SayPronounced, SayIterated, SayCounted:
	default:
		return o, InvalidArgument("недопустимое значение sayMethod: %q", o.Method)
	}
	switch o.Gender {
	case "", SayFeminine, SayMasculine, SayNeuter:
	default:
		return o, InvalidArgument("недопустимое значение gender: %q", o.Gender)
	}
	return o, nil
}

// Say произносит значение по грамматическим правилам языка
func (e *Endpoint) Say(ctx context.Context, text string, opts SayOptions) (PlaybackResult, error) {
	if text == "" {
		return PlaybackResult{}, InvalidArgument("не указан текст для say")
	}
	opts, err := opts.validate()
	if err != nil {
		return PlaybackResult{}, err
	}

	args := []string{opts.Lang, string(opts.Type), string(opts.Method)}
	if opts.Gender != "" {
		args = append(args, string(opts.Gender))
	}
	args = append(args, text)

	ev, err := e.Execute(ctx, "say", strings.Join(args, " "))
	if err != nil {
		return PlaybackResult{}, err
	}
	if app := ev.Get("variable_current_application"); app != "say" {
		return PlaybackResult{}, ProtocolError("expected response to say but got " + app)
	}
	return playbackResult(ev), nil
}

// SpeakOptions параметры синтеза речи
type SpeakOptions struct {
	Engine string
	Voice  string
	Text   string
}

// Speak синтезирует и воспроизводит текст
func (e *Endpoint) Speak(ctx context.Context, opts SpeakOptions) error {
	if opts.Engine == "" || opts.Voice == "" || opts.Text == "" {
		return InvalidArgument("для speak требуются engine, voice и text")
	}

	ev, err := e.Execute(ctx, "speak", strings.Join([]string{opts.Engine, opts.Voice, opts.Text}, "|"))
	if err != nil {
		return err
	}
	if app := ev.Get("variable_current_application"); app != "speak" {
		return ProtocolError(app)
	}
	return nil
}

// RecordOptions параметры record, нулевые значения не передаются
type RecordOptions struct {
	TimeLimitSecs int
	SilenceThresh int
	SilenceHits   int
}

// RecordResult результат записи
type RecordResult struct {
	TerminatorUsed string
	Seconds        int
	Milliseconds   int
	Samples        int
}

// Record записывает входящий поток endpoint в файл
func (e *Endpoint) Record(ctx context.Context, file string, opts RecordOptions) (RecordResult, error) {
	if file == "" {
		return RecordResult{}, InvalidArgument("не указан файл для записи")
	}

	args := []string{file}
	for _, v := range []int{opts.TimeLimitSecs, opts.SilenceThresh, opts.SilenceHits} {
		if v > 0 {
			args = append(args, strconv.Itoa(v))
		}
	}

	ev, err := e.Execute(ctx, "record", strings.Join(args, " "))
	if err != nil {
		return RecordResult{}, err
	}
	if app := ev.Get("Application"); app != "record" {
		return RecordResult{}, ProtocolError("unexpected application in record response: " + app)
	}

	secs, _ := ev.GetInt("variable_record_seconds")
	ms, _ := ev.GetInt("variable_record_ms")
	samples, _ := ev.GetInt("variable_record_samples")
	return RecordResult{
		TerminatorUsed: ev.Get("variable_playback_terminator_used"),
		Seconds:        secs,
		Milliseconds:   ms,
		Samples:        samples,
	}, nil
}

// RecordSession записывает весь вызов в файл
func (e *Endpoint) RecordSession(ctx context.Context, file string, args ...string) error {
	if file == "" {
		return InvalidArgument("не указан файл для записи")
	}
	_, err := e.Execute(ctx, "record_session", strings.Join(append([]string{file}, args...), " "))
	return err
}

// Bridge соединяет канал endpoint с каналом otherUUID
func (e *Endpoint) Bridge(ctx context.Context, otherUUID string) error {
	if otherUUID == "" {
		return InvalidArgument("не указан uuid канала для bridge")
	}
	if err := e.ensureConnected(); err != nil {
		return err
	}
	return e.expectOK(ctx, "uuid_bridge", e.uuid, otherUUID)
}

// BridgeEndpoint соединяет два endpoint
func (e *Endpoint) BridgeEndpoint(ctx context.Context, other *Endpoint) error {
	return e.Bridge(ctx, other.UUID())
}

// Unbridge разъединяет канал и паркует обе стороны
func (e *Endpoint) Unbridge(ctx context.Context) error {
	if err := e.ensureConnected(); err != nil {
		return err
	}
	return e.expectOK(ctx, "uuid_transfer", e.uuid, "-both", "park", "inline")
}

func (e *Endpoint) expectOK(ctx context.Context, command string, args ...string) error {
	body, err := e.API(ctx, command, args...)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(body, "+OK") {
		return ProtocolError(body)
	}
	return nil
}
