package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/fsmrf/pkg/logger"
)

// Config параметры SIP агента
type Config struct {
	// Host адрес, который используется в Contact и Via
	Host string
	// Port порт SIP транспорта
	Port int
	// Transport "udp" или "tcp"
	Transport string
	// UserAgent значение заголовка User-Agent по умолчанию
	UserAgent string
	// ContactUser user-часть Contact
	ContactUser string
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Host:        "127.0.0.1",
		Port:        5060,
		Transport:   "udp",
		UserAgent:   "fsmrf",
		ContactUser: "mrf",
	}
}

// UserAgent SIP агент поверх sipgo: UAC для INVITE к медиа серверу
// и UAS для входящих вызовов.
type UserAgent struct {
	cfg    Config
	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	// dialogCli кэширует клиентские диалоги (INVITE к медиа серверу)
	dialogCli *sipgo.DialogClientCache
	// dialogSrv кэширует серверные диалоги (входящие вызовы)
	dialogSrv *sipgo.DialogServerCache

	mu         sync.RWMutex
	onIncoming func(IncomingCall)

	log logger.StructuredLogger
}

// NewUserAgent создает SIP агента. Прием запросов начинается после ListenAndServe.
func NewUserAgent(cfg Config, log logger.StructuredLogger) (*UserAgent, error) {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.ContactUser == "" {
		cfg.ContactUser = def.ContactUser
	}
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent), sipgo.WithUserAgentHostname(cfg.Host))
	if err != nil {
		return nil, fmt.Errorf("init UA: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("new server: %w", err)
	}
	cli, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.Host))
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   cfg.ContactUser,
			Host:   cfg.Host,
			Port:   cfg.Port,
		},
	}

	u := &UserAgent{
		cfg:       cfg,
		ua:        ua,
		client:    cli,
		server:    srv,
		dialogCli: sipgo.NewDialogClientCache(cli, contact),
		dialogSrv: sipgo.NewDialogServerCache(cli, contact),
		log:       log.WithComponent("signaling"),
	}
	u.initServerHandlers()
	return u, nil
}

// OnIncomingCall устанавливает обработчик входящих вызовов.
// Без обработчика входящие INVITE отклоняются 486.
func (u *UserAgent) OnIncomingCall(fn func(IncomingCall)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onIncoming = fn
}

// ListenAndServe запускает прием SIP запросов до отмены ctx
func (u *UserAgent) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", u.cfg.Host, u.cfg.Port)
	u.log.Info(ctx, "SIP агент запущен",
		logger.String("addr", addr), logger.String("transport", u.cfg.Transport))
	return u.server.ListenAndServe(ctx, u.cfg.Transport, addr)
}

// Close завершает работу агента
func (u *UserAgent) Close() error {
	return u.ua.Close()
}

// Invite отправляет INVITE и ждет финального ответа. После 2xx отправляется ACK.
func (u *UserAgent) Invite(ctx context.Context, inv Invitation) (Dialog, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(inv.Target, &recipient); err != nil {
		return nil, fmt.Errorf("некорректный SIP URI %q: %w", inv.Target, err)
	}

	headers := make([]sip.Header, 0, len(inv.Headers)+1)
	for name, value := range inv.Headers {
		headers = append(headers, sip.NewHeader(name, value))
	}
	if len(inv.SDP) > 0 {
		headers = append(headers, sip.NewHeader("Content-Type", "application/sdp"))
	}

	sess, err := u.dialogCli.Invite(ctx, recipient, inv.SDP, headers...)
	if err != nil {
		return nil, fmt.Errorf("INVITE %s: %w", inv.Target, err)
	}

	if err := sess.WaitAnswer(ctx, sipgo.AnswerOptions{}); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("INVITE %s: %w", inv.Target, err)
	}
	if err := sess.Ack(ctx); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("ACK %s: %w", inv.Target, err)
	}

	d := &clientDialog{sess: sess, localSDP: inv.SDP}
	u.log.Debug(ctx, "диалог установлен",
		logger.String("call_id", d.CallID()), logger.String("target", inv.Target))
	return d, nil
}

func (u *UserAgent) initServerHandlers() {
	u.server.OnInvite(u.handleInvite)

	u.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		_ = u.dialogSrv.ReadAck(req, tx)
	})

	// BYE может относиться как к исходящему, так и к входящему диалогу
	u.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		err := u.dialogCli.ReadBye(req, tx)
		if err != nil {
			err = u.dialogSrv.ReadBye(req, tx)
		}
		if err != nil {
			u.log.Debug(context.Background(), "BYE для неизвестного диалога",
				logger.String("call_id", callID(req)), logger.Err(err))
			_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
			return
		}
		u.log.Debug(context.Background(), "получен BYE", logger.String("call_id", callID(req)))
	})
}

func (u *UserAgent) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	u.mu.RLock()
	fn := u.onIncoming
	u.mu.RUnlock()

	if fn == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 486, "Busy Here", nil))
		return
	}

	sess, err := u.dialogSrv.ReadInvite(req, tx)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	_ = sess.Respond(100, "Trying", nil)

	go fn(&incomingCall{sess: sess})
}

func callID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// clientDialog диалог, созданный нашим INVITE
type clientDialog struct {
	sess     *sipgo.DialogClientSession
	localSDP []byte
}

func (d *clientDialog) CallID() string { return callID(d.sess.InviteRequest) }

func (d *clientDialog) LocalSDP() []byte { return d.localSDP }

func (d *clientDialog) RemoteSDP() []byte {
	if d.sess.InviteResponse == nil {
		return nil
	}
	return d.sess.InviteResponse.Body()
}

func (d *clientDialog) Bye(ctx context.Context) error {
	defer d.sess.Close()
	return d.sess.Bye(ctx)
}

func (d *clientDialog) Done() <-chan struct{} { return d.sess.Context().Done() }

// incomingCall входящий INVITE до ответа
type incomingCall struct {
	sess *sipgo.DialogServerSession
}

func (c *incomingCall) CallID() string { return callID(c.sess.InviteRequest) }

func (c *incomingCall) RemoteSDP() []byte { return c.sess.InviteRequest.Body() }

func (c *incomingCall) Answer(ctx context.Context, sdp []byte) (Dialog, error) {
	if err := c.sess.RespondSDP(sdp); err != nil {
		return nil, fmt.Errorf("ответ на INVITE: %w", err)
	}
	return &serverDialog{sess: c.sess, localSDP: sdp}, nil
}

func (c *incomingCall) Reject(code int, reason string) error {
	return c.sess.Respond(sip.StatusCode(code), reason, nil)
}

// serverDialog диалог входящего вызова
type serverDialog struct {
	sess     *sipgo.DialogServerSession
	localSDP []byte
}

func (d *serverDialog) CallID() string { return callID(d.sess.InviteRequest) }

func (d *serverDialog) LocalSDP() []byte { return d.localSDP }

func (d *serverDialog) RemoteSDP() []byte { return d.sess.InviteRequest.Body() }

func (d *serverDialog) Bye(ctx context.Context) error {
	defer d.sess.Close()
	return d.sess.Bye(ctx)
}

func (d *serverDialog) Done() <-chan struct{} { return d.sess.Context().Done() }

var (
	_ Client       = (*UserAgent)(nil)
	_ Dialog       = (*clientDialog)(nil)
	_ Dialog       = (*serverDialog)(nil)
	_ IncomingCall = (*incomingCall)(nil)
)
