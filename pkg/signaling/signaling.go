// Package signaling содержит SIP сторону медиа контроллера: исходящие
// INVITE к медиа серверу, входящие вызовы для ConnectCaller и
// отслеживание завершения диалогов.
package signaling

import (
	"context"
)

// Invitation параметры исходящего INVITE
type Invitation struct {
	// Target SIP URI назначения, например "sip:drachtio@10.0.0.5:5080"
	Target string
	// SDP предложение, пустое для 3pcc
	SDP []byte
	// Headers дополнительные заголовки запроса
	Headers map[string]string
}

// Dialog установленный SIP диалог
type Dialog interface {
	// CallID значение Call-ID диалога
	CallID() string
	// LocalSDP SDP, отправленное нашей стороной
	LocalSDP() []byte
	// RemoteSDP SDP удаленной стороны
	RemoteSDP() []byte
	// Bye завершает диалог
	Bye(ctx context.Context) error
	// Done закрывается после завершения диалога любой из сторон
	Done() <-chan struct{}
}

// Client отправляет INVITE и возвращает установленный диалог
type Client interface {
	Invite(ctx context.Context, inv Invitation) (Dialog, error)
}

// IncomingCall входящий вызов, ожидающий ответа
type IncomingCall interface {
	CallID() string
	RemoteSDP() []byte
	// Answer отвечает 200 OK с указанным SDP
	Answer(ctx context.Context, sdp []byte) (Dialog, error)
	// Reject отклоняет вызов финальным ответом
	Reject(code int, reason string) error
}
