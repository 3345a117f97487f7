package mrf

import (
	"fmt"
	"time"
)

// ErrorCategory категории ошибок для классификации
type ErrorCategory string

const (
	// Ошибки сопоставления соединений
	ErrorCategoryTimeout    ErrorCategory = "TIMEOUT"
	ErrorCategoryConnection ErrorCategory = "CONNECTION"

	// Ответ медиа сервера не совпал с ожидаемым
	ErrorCategoryProtocol ErrorCategory = "PROTOCOL"

	// Ошибки, обнаруженные до отправки команды
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
	ErrorCategoryState      ErrorCategory = "STATE"
)

func (ec ErrorCategory) String() string {
	return string(ec)
}

// Error структурированная ошибка медиа контроллера
type Error struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`

	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду, поэтому errors.Is(err, ErrNotConnected)
// срабатывает для любой ошибки с кодом NOT_CONNECTED.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// ErrorCode код ошибки (используется логгером)
func (e *Error) ErrorCode() string { return e.Code }

// ErrorCategory категория ошибки (используется логгером)
func (e *Error) ErrorCategory() string { return string(e.Category) }

// WithField добавляет дополнительное поле к ошибке
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// NewError создает новую структурированную ошибку
func NewError(code, message string, category ErrorCategory) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  category,
		Timestamp: time.Now(),
	}
}

// Коды ошибок
const (
	CodeConnectionTimeout = "CONNECTION_TIMEOUT"
	CodeUnknownToken      = "UNKNOWN_TOKEN"
	CodeConnectionFailed  = "CONNECTION_FAILED"
	CodeUnexpectedReply   = "UNEXPECTED_RESPONSE"
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeNotInConference   = "NOT_IN_CONFERENCE"
	CodeJoinInProgress    = "JOIN_IN_PROGRESS"
	CodeInvalidState      = "INVALID_STATE"
	CodeNotConnected      = "NOT_CONNECTED"
	CodeNotReady          = "NOT_READY"
	CodeConferenceExists  = "CONFERENCE_EXISTS"
	CodeDtlsRequired      = "DTLS_REQUIRED"
)

// Эталонные ошибки для errors.Is
var (
	ErrConnectionTimeout = NewError(CodeConnectionTimeout, "таймаут ожидания соединения от медиа сервера", ErrorCategoryTimeout)
	ErrUnknownToken      = NewError(CodeUnknownToken, "неизвестный токен соединения", ErrorCategoryConnection)
	ErrNotInConference   = NewError(CodeNotInConference, "endpoint не находится в конференции", ErrorCategoryValidation)
	ErrJoinInProgress    = NewError(CodeJoinInProgress, "join уже выполняется", ErrorCategoryValidation)
	ErrInvalidState      = NewError(CodeInvalidState, "недопустимое состояние", ErrorCategoryState)
	ErrNotConnected      = NewError(CodeNotConnected, "endpoint не подключен", ErrorCategoryState)
	ErrNotReady          = NewError(CodeNotReady, "соединение с медиа сервером не готово", ErrorCategoryConnection)
	ErrConferenceExists  = NewError(CodeConferenceExists, "конференция уже существует", ErrorCategoryValidation)
	ErrDtlsRequired      = NewError(CodeDtlsRequired, "SDP требует DTLS, используйте ConnectCaller", ErrorCategoryValidation)
)

// ProtocolError ответ медиа сервера, не совпавший с ожидаемым.
// Текст ответа сохраняется без изменений.
func ProtocolError(body string) *Error {
	return NewError(CodeUnexpectedReply, body, ErrorCategoryProtocol).WithField("response", body)
}

// InvalidArgument ошибка валидации аргументов
func InvalidArgument(format string, args ...interface{}) *Error {
	return NewError(CodeInvalidArgument, fmt.Sprintf(format, args...), ErrorCategoryValidation)
}

// StateError операция недопустима в текущем состоянии
func StateError(op, state string) *Error {
	return NewError(CodeInvalidState,
		fmt.Sprintf("%s недопустим в состоянии %s", op, state),
		ErrorCategoryState).WithField("state", state)
}

// connectionTimeout ошибка таймаута сопоставления для конкретного токена
func connectionTimeout(token string) *Error {
	return NewError(CodeConnectionTimeout, ErrConnectionTimeout.Message, ErrorCategoryTimeout).
		WithField("token", token)
}
