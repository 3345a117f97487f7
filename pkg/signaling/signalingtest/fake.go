// Package signalingtest содержит in-memory реализации SIP сигнализации для тестов.
package signalingtest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/arzzra/fsmrf/pkg/signaling"
)

// Dialog фейковый SIP диалог
type Dialog struct {
	callID    string
	localSDP  []byte
	remoteSDP []byte

	mu       sync.Mutex
	byeCount int
	done     chan struct{}
	once     sync.Once
}

// NewDialog создает диалог со случайным Call-ID
func NewDialog(localSDP, remoteSDP []byte) *Dialog {
	return &Dialog{
		callID:    uuid.NewString(),
		localSDP:  localSDP,
		remoteSDP: remoteSDP,
		done:      make(chan struct{}),
	}
}

func (d *Dialog) CallID() string        { return d.callID }
func (d *Dialog) LocalSDP() []byte      { return d.localSDP }
func (d *Dialog) RemoteSDP() []byte     { return d.remoteSDP }
func (d *Dialog) Done() <-chan struct{} { return d.done }

func (d *Dialog) Bye(ctx context.Context) error {
	d.mu.Lock()
	d.byeCount++
	d.mu.Unlock()
	d.terminate()
	return nil
}

// RemoteBye имитирует BYE от удаленной стороны
func (d *Dialog) RemoteBye() { d.terminate() }

// ByeCount количество вызовов Bye
func (d *Dialog) ByeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byeCount
}

// Terminated проверяет, завершен ли диалог
func (d *Dialog) Terminated() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Dialog) terminate() { d.once.Do(func() { close(d.done) }) }

// InviteFunc формирует результат INVITE
type InviteFunc func(ctx context.Context, inv signaling.Invitation) (signaling.Dialog, error)

// Client фейковый SIP клиент
type Client struct {
	mu      sync.Mutex
	invites []signaling.Invitation
	dialogs []*Dialog
	fn      InviteFunc

	// Invited получает каждое приглашение до формирования ответа
	Invited chan signaling.Invitation
}

// NewClient создает клиента, который отвечает на каждый INVITE
// диалогом с удаленным SDP remoteSDP.
func NewClient(remoteSDP []byte) *Client {
	c := &Client{Invited: make(chan signaling.Invitation, 16)}
	c.fn = func(ctx context.Context, inv signaling.Invitation) (signaling.Dialog, error) {
		d := NewDialog(inv.SDP, remoteSDP)
		c.mu.Lock()
		c.dialogs = append(c.dialogs, d)
		c.mu.Unlock()
		return d, nil
	}
	return c
}

// OnInvite заменяет обработчик INVITE
func (c *Client) OnInvite(fn InviteFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
}

func (c *Client) Invite(ctx context.Context, inv signaling.Invitation) (signaling.Dialog, error) {
	c.mu.Lock()
	c.invites = append(c.invites, inv)
	fn := c.fn
	c.mu.Unlock()

	select {
	case c.Invited <- inv:
	default:
	}
	return fn(ctx, inv)
}

// Invites отправленные приглашения
func (c *Client) Invites() []signaling.Invitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signaling.Invitation(nil), c.invites...)
}

// Dialogs диалоги, созданные обработчиком по умолчанию
func (c *Client) Dialogs() []*Dialog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Dialog(nil), c.dialogs...)
}

// IncomingCall фейковый входящий вызов
type IncomingCall struct {
	callID    string
	remoteSDP []byte

	mu         sync.Mutex
	answered   *Dialog
	rejectCode int
}

// NewIncomingCall создает входящий вызов с SDP предложением offer
func NewIncomingCall(offer []byte) *IncomingCall {
	return &IncomingCall{callID: uuid.NewString(), remoteSDP: offer}
}

func (c *IncomingCall) CallID() string    { return c.callID }
func (c *IncomingCall) RemoteSDP() []byte { return c.remoteSDP }

func (c *IncomingCall) Answer(ctx context.Context, sdp []byte) (signaling.Dialog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = NewDialog(sdp, c.remoteSDP)
	return c.answered, nil
}

func (c *IncomingCall) Reject(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectCode = code
	return nil
}

// Answered диалог, созданный ответом, или nil
func (c *IncomingCall) Answered() *Dialog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

// RejectCode код отклонения или 0
func (c *IncomingCall) RejectCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejectCode
}

var (
	_ signaling.Client       = (*Client)(nil)
	_ signaling.Dialog       = (*Dialog)(nil)
	_ signaling.IncomingCall = (*IncomingCall)(nil)
)
