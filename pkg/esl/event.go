package esl

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Имена событий FreeSWITCH, с которыми работает пакет
const (
	EventChannelExecute         = "CHANNEL_EXECUTE"
	EventChannelExecuteComplete = "CHANNEL_EXECUTE_COMPLETE"
	EventChannelProgressMedia   = "CHANNEL_PROGRESS_MEDIA"
	EventChannelCallState       = "CHANNEL_CALLSTATE"
	EventChannelAnswer          = "CHANNEL_ANSWER"
	EventChannelHangup          = "CHANNEL_HANGUP"
	EventHeartbeat              = "HEARTBEAT"
	EventCustom                 = "CUSTOM"

	// AnyEvent подписка слушателя на все события соединения
	AnyEvent = "*"
)

// Event событие или ответ FreeSWITCH.
// Имена заголовков хранятся в нижнем регистре, поиск регистронезависимый.
type Event struct {
	headers map[string]string
	Body    string
}

// NewEvent создает событие из заголовков и тела
func NewEvent(headers map[string]string, body string) *Event {
	ev := &Event{headers: make(map[string]string, len(headers)), Body: body}
	for k, v := range headers {
		ev.headers[strings.ToLower(k)] = v
	}
	return ev
}

// Get возвращает значение заголовка или пустую строку
func (e *Event) Get(name string) string {
	if e == nil {
		return ""
	}
	return e.headers[strings.ToLower(name)]
}

// Has проверяет наличие заголовка
func (e *Event) Has(name string) bool {
	if e == nil {
		return false
	}
	_, ok := e.headers[strings.ToLower(name)]
	return ok
}

// GetInt возвращает числовое значение заголовка
func (e *Event) GetInt(name string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(e.Get(name)))
	if err != nil {
		return 0, false
	}
	return v, true
}

// Name имя события (Event-Name)
func (e *Event) Name() string { return e.Get("Event-Name") }

// Subclass подкласс CUSTOM события (Event-Subclass)
func (e *Event) Subclass() string { return e.Get("Event-Subclass") }

// Headers возвращает копию заголовков
func (e *Event) Headers() map[string]string {
	c := make(map[string]string, len(e.headers))
	for k, v := range e.headers {
		c[k] = v
	}
	return c
}

func (e *Event) String() string {
	keys := make([]string, 0, len(e.headers))
	for k := range e.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, e.headers[k])
	}
	if e.Body != "" {
		sb.WriteString("\n")
		sb.WriteString(e.Body)
	}
	return sb.String()
}

// numericPrefixes ключи переменных канала, значения которых приводятся к int
var numericPrefixes = []string{"variable_rtp_audio", "variable_rtp_video", "variable_playback"}

// ParseChannelVariables разбирает тело ответа uuid_dump: строки вида
// "key: urlencoded-value". Значения с числовыми префиксами ключей
// приводятся к int, остальные остаются строками.
func ParseChannelVariables(body string) map[string]any {
	vars := make(map[string]any)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		idx := strings.Index(line, ": ")
		if idx <= 0 {
			continue
		}
		key := line[:idx]
		value := line[idx+2:]
		if decoded, err := url.PathUnescape(value); err == nil {
			value = decoded
		}

		vars[key] = value
		for _, prefix := range numericPrefixes {
			if strings.HasPrefix(key, prefix) {
				if n, err := strconv.Atoi(value); err == nil {
					vars[key] = n
				}
				break
			}
		}
	}
	return vars
}

// StringVar возвращает строковое значение переменной канала
func StringVar(vars map[string]any, key string) string {
	switch v := vars[key].(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// IntVar возвращает числовое значение переменной канала
func IntVar(vars map[string]any, key string) int {
	switch v := vars[key].(type) {
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
