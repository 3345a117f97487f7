package mrf

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/fsmrf/pkg/esl"
	"github.com/arzzra/fsmrf/pkg/logger"
	"github.com/arzzra/fsmrf/pkg/signaling"
)

// AddressFamily семейство адресов SIP профиля медиа сервера
type AddressFamily string

const (
	FamilyIPv4 AddressFamily = "ipv4"
	FamilyIPv6 AddressFamily = "ipv6"
)

// Transport транспорт SIP профиля медиа сервера
type Transport string

const (
	TransportUDP  Transport = "udp"
	TransportDTLS Transport = "dtls"
)

// tokenTag префикс User-Agent исходящих INVITE, за ним следует токен
const tokenTag = "fsmrf"

var tokenRe = regexp.MustCompile(`^` + tokenTag + `:(.+)$`)

// acceptTimeout время на connect/linger входящего соединения
const acceptTimeout = 5 * time.Second

// MediaServerConfig параметры подключения к медиа серверу
type MediaServerConfig struct {
	// Address адрес event socket FreeSWITCH
	Address string
	Port    int
	Secret  string

	// ListenAddress и ListenPort адрес приема outbound соединений
	ListenAddress string
	ListenPort    int

	// AdvertisedAddress и AdvertisedPort адрес, который сообщается
	// FreeSWITCH в X-esl-outbound. По умолчанию совпадают с адресом приема.
	AdvertisedAddress string
	AdvertisedPort    int

	// Profile SIP профиль FreeSWITCH, на который отправляются INVITE
	Profile string

	// MatchTimeout время ожидания второй половины соединения
	MatchTimeout time.Duration

	// CustomEvents CUSTOM события, на которые подписывается каждый endpoint
	CustomEvents []string

	Metrics MetricsConfig
}

// DefaultMediaServerConfig возвращает конфигурацию по умолчанию
func DefaultMediaServerConfig() MediaServerConfig {
	return MediaServerConfig{
		Port:          8021,
		Secret:        "ClueCon",
		ListenAddress: "0.0.0.0",
		ListenPort:    8085,
		Profile:       "drachtio_mrf",
		MatchTimeout:  DefaultMatchTimeout,
		Metrics:       DefaultMetricsConfig(),
	}
}

func (c MediaServerConfig) withDefaults() MediaServerConfig {
	def := DefaultMediaServerConfig()
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.Secret == "" {
		c.Secret = def.Secret
	}
	if c.ListenAddress == "" {
		c.ListenAddress = def.ListenAddress
	}
	if c.ListenPort == 0 {
		c.ListenPort = def.ListenPort
	}
	if c.AdvertisedAddress == "" {
		c.AdvertisedAddress = c.ListenAddress
	}
	if c.AdvertisedPort == 0 {
		c.AdvertisedPort = c.ListenPort
	}
	if c.Profile == "" {
		c.Profile = def.Profile
	}
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = def.MatchTimeout
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = def.Metrics.Namespace
	}
	return c
}

// ServerStatus данные последнего HEARTBEAT
type ServerStatus struct {
	MaxSessions     int
	CurrentSessions int
	SessionsPerSec  int
	IdleCPU         float64
	Hostname        string
	IPv4            string
	IPv6            string
	Version         string
}

// MediaServer подключение к одному FreeSWITCH: управляющее inbound
// соединение, прием outbound соединений и реестр ожидающих соединений.
type MediaServer struct {
	cfg     MediaServerConfig
	ctrl    *esl.Channel
	client  signaling.Client
	pending *PendingRegistry

	mu     sync.RWMutex
	sip    map[AddressFamily]map[Transport]string
	status ServerStatus

	closing atomic.Bool

	metrics *metrics
	log     logger.StructuredLogger
}

// ConnectMediaServer подключается к event socket FreeSWITCH, начинает
// прием outbound соединений и читает адреса SIP профиля.
func ConnectMediaServer(ctx context.Context, cfg MediaServerConfig, client signaling.Client, log logger.StructuredLogger) (*MediaServer, error) {
	if cfg.Address == "" {
		return nil, InvalidArgument("не указан адрес медиа сервера")
	}
	if client == nil {
		return nil, InvalidArgument("не указан SIP клиент")
	}
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	conn, err := esl.Dial(addr, cfg.Secret)
	if err != nil {
		return nil, NewError(CodeConnectionFailed, "не удалось подключиться к медиа серверу", ErrorCategoryConnection).
			WithField("address", addr).WithCause(err)
	}

	ms := newMediaServer(cfg, esl.NewChannel(conn, log), client, log)

	listen := net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.ListenPort))
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- esl.ListenAndServe(listen, ms.handleConnection)
	}()

	if err := ms.start(ctx); err != nil {
		ms.ctrl.Close()
		return nil, err
	}

	select {
	case err := <-listenErr:
		ms.ctrl.Close()
		return nil, NewError(CodeConnectionFailed, "не удалось начать прием соединений", ErrorCategoryConnection).
			WithField("listen", listen).WithCause(err)
	default:
	}

	ms.log.Info(ctx, "подключен медиа сервер",
		logger.String("listen", listen),
		logger.String("advertised", ms.outboundTarget()))
	return ms, nil
}

// newMediaServer создает MediaServer поверх готового управляющего канала
func newMediaServer(cfg MediaServerConfig, ctrl *esl.Channel, client signaling.Client, log logger.StructuredLogger) *MediaServer {
	ms := &MediaServer{
		cfg:    cfg,
		ctrl:   ctrl,
		client: client,
		sip: map[AddressFamily]map[Transport]string{
			FamilyIPv4: {},
			FamilyIPv6: {},
		},
		metrics: newMetrics(cfg.Metrics, cfg.Address),
		log:     log.WithComponent("mediaserver").WithFields(logger.String("media_server", cfg.Address)),
	}
	ms.pending = NewPendingRegistry(cfg.MatchTimeout, ms.orphan, log)
	ms.pending.metrics = ms.metrics
	return ms
}

// start подписывается на HEARTBEAT и читает адреса SIP профиля
func (ms *MediaServer) start(ctx context.Context) error {
	ms.ctrl.On(esl.EventHeartbeat, ms.onHeartbeat)
	if err := ms.ctrl.Subscribe(ctx, esl.EventHeartbeat); err != nil {
		return err
	}

	status, err := ms.ctrl.API(ctx, "sofia status")
	if err != nil {
		return err
	}
	return ms.parseSofiaStatus(status)
}

// parseSofiaStatus извлекает адреса профиля из вывода "sofia status".
// Строка с (TLS) должна следовать за строкой UDP.
func (ms *MediaServer) parseSofiaStatus(status string) error {
	profile := regexp.QuoteMeta(ms.cfg.Profile)
	ipv4 := `((?:[0-9]{1,3}\.){3}[0-9]{1,3}:\d+)`
	ipv6 := `(\[[0-9a-f:]+\]:\d+)`
	find := func(addr, suffix string) string {
		re := regexp.MustCompile(`(?m)^\s*` + profile + `\s.*sip:mod_sofia@` + addr + suffix)
		if m := re.FindStringSubmatch(status); m != nil {
			return m[1]
		}
		return ""
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sip[FamilyIPv4][TransportUDP] = find(ipv4, "")
	ms.sip[FamilyIPv4][TransportDTLS] = find(ipv4, `.*\(TLS\)`)
	ms.sip[FamilyIPv6][TransportUDP] = find(ipv6, "")
	ms.sip[FamilyIPv6][TransportDTLS] = find(ipv6, `.*\(TLS\)`)

	if ms.sip[FamilyIPv4][TransportUDP] == "" {
		return ProtocolError(status).WithField("profile", ms.cfg.Profile)
	}
	ms.log.Debug(context.Background(), "адреса SIP профиля",
		logger.Any("ipv4", ms.sip[FamilyIPv4]), logger.Any("ipv6", ms.sip[FamilyIPv6]))
	return nil
}

func (ms *MediaServer) onHeartbeat(ev *esl.Event) {
	st := ServerStatus{
		Hostname: ev.Get("FreeSWITCH-Hostname"),
		IPv4:     ev.Get("FreeSWITCH-IPv4"),
		IPv6:     ev.Get("FreeSWITCH-IPv6"),
		Version:  ev.Get("FreeSWITCH-Version"),
	}
	st.MaxSessions, _ = ev.GetInt("Max-Sessions")
	st.CurrentSessions, _ = ev.GetInt("Session-Count")
	st.SessionsPerSec, _ = ev.GetInt("Session-Per-Sec")
	st.IdleCPU, _ = strconv.ParseFloat(ev.Get("Idle-CPU"), 64)

	ms.mu.Lock()
	ms.status = st
	ms.mu.Unlock()

	ms.metrics.maxSessions.Set(float64(st.MaxSessions))
	ms.metrics.currentSessions.Set(float64(st.CurrentSessions))
	ms.metrics.sessionsPerSec.Set(float64(st.SessionsPerSec))
	ms.metrics.idleCPU.Set(st.IdleCPU)
}

// handleConnection принимает outbound соединение FreeSWITCH и передает
// его реестру. Соединения без известного токена завершаются.
func (ms *MediaServer) handleConnection(conn esl.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
	defer cancel()

	ch, err := esl.Accept(ctx, conn, ms.log)
	if err != nil {
		ms.log.Warn(ctx, "не удалось принять соединение", logger.Err(err))
		conn.Close()
		return
	}
	ms.acceptChannel(ctx, ch)
}

func (ms *MediaServer) acceptChannel(ctx context.Context, ch *esl.Channel) {
	info := ch.Info()
	channelUUID := info.Get("Channel-Unique-ID")
	userAgent := info.Get("variable_sip_user_agent")

	if ms.closing.Load() {
		ms.reject(ctx, ch, "медиа сервер отключается")
		return
	}

	m := tokenRe.FindStringSubmatch(userAgent)
	if m == nil {
		ms.reject(ctx, ch, "неожиданный User-Agent", logger.String("user_agent", userAgent))
		return
	}
	token := m[1]
	if err := ms.pending.AttachConnection(token, ch); err != nil {
		ms.reject(ctx, ch, "неизвестный токен", logger.String("token", token))
		return
	}

	ms.log.Debug(ctx, "новое соединение",
		logger.String("token", token),
		logger.String("channel_uuid", channelUUID))
}

// reject завершает канал с причиной NO_ROUTE_DESTINATION
func (ms *MediaServer) reject(ctx context.Context, ch *esl.Channel, reason string, fields ...logger.Field) {
	ms.metrics.rejected.Inc()
	channelUUID := ch.Info().Get("Channel-Unique-ID")
	ms.log.Warn(ctx, "соединение отклонено: "+reason,
		append(fields, logger.String("channel_uuid", channelUUID))...)

	if err := ch.ExecuteAsync(ctx, channelUUID, "hangup", "NO_ROUTE_DESTINATION"); err != nil {
		ms.log.Debug(ctx, "hangup завершился ошибкой", logger.Err(err))
	}
	ch.Close()
}

// orphan завершает соединение, для которого не дождались диалога
func (ms *MediaServer) orphan(ch *esl.Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
	defer cancel()
	channelUUID := ch.Info().Get("Channel-Unique-ID")
	if err := ch.ExecuteAsync(ctx, channelUUID, "hangup", "NORMAL_CLEARING"); err != nil {
		ms.log.Debug(ctx, "hangup завершился ошибкой", logger.Err(err))
	}
	ch.Close()
}

// Address адрес event socket медиа сервера
func (ms *MediaServer) Address() string { return ms.cfg.Address }

// Status данные последнего HEARTBEAT
func (ms *MediaServer) Status() ServerStatus {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.status
}

// SipAddress адрес SIP профиля для семейства и транспорта или пустая строка
func (ms *MediaServer) SipAddress(family AddressFamily, transport Transport) string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.sip[family][transport]
}

// HasCapability поддерживает ли профиль медиа сервера семейство и транспорт
func (ms *MediaServer) HasCapability(family AddressFamily, transport Transport) bool {
	return ms.SipAddress(family, transport) != ""
}

// PendingConnections количество соединений, ожидающих сопоставления
func (ms *MediaServer) PendingConnections() int { return ms.pending.Len() }

// Connected есть ли управляющее соединение
func (ms *MediaServer) Connected() bool {
	select {
	case <-ms.ctrl.Done():
		return false
	default:
		return !ms.closing.Load()
	}
}

// Done закрывается при потере управляющего соединения
func (ms *MediaServer) Done() <-chan struct{} { return ms.ctrl.Done() }

// API выполняет api команду на управляющем соединении
func (ms *MediaServer) API(ctx context.Context, command string) (string, error) {
	if !ms.Connected() {
		return "", NewError(CodeNotReady, ErrNotReady.Message, ErrorCategoryConnection).
			WithField("media_server", ms.cfg.Address)
	}
	return ms.ctrl.API(ctx, command)
}

// Disconnect закрывает управляющее соединение. Новые outbound соединения
// после этого отклоняются.
func (ms *MediaServer) Disconnect() error {
	if ms.closing.Swap(true) {
		return nil
	}
	ms.log.Info(context.Background(), "отключение от медиа сервера")
	ms.ctrl.Close()
	return nil
}

func (ms *MediaServer) outboundTarget() string {
	return net.JoinHostPort(ms.cfg.AdvertisedAddress, strconv.Itoa(ms.cfg.AdvertisedPort))
}

// EndpointOptions параметры создания endpoint
type EndpointOptions struct {
	// RemoteSDP SDP удаленной стороны. Пустой SDP означает 3pcc.
	RemoteSDP string
	// Codecs предпочтительный порядок кодеков
	Codecs []string
	// Headers дополнительные заголовки INVITE
	Headers map[string]string
	// Family семейство адресов, по умолчанию ipv4
	Family AddressFamily
	// DTLS отправить INVITE на TLS адрес профиля
	DTLS bool
	// SRTP запросить SRTP для 3pcc endpoint
	SRTP bool
}

// CreateEndpoint отправляет INVITE на медиа сервер, ждет его outbound
// соединение и возвращает готовый endpoint.
func (ms *MediaServer) CreateEndpoint(ctx context.Context, opts EndpointOptions) (*Endpoint, error) {
	headers := make(map[string]string, len(opts.Headers)+3)
	for k, v := range opts.Headers {
		headers[k] = v
	}

	is3pcc := opts.RemoteSDP == ""
	remoteSDP := opts.RemoteSDP
	switch {
	case !is3pcc && RequiresDtlsHandshake(remoteSDP):
		return nil, NewError(CodeDtlsRequired, ErrDtlsRequired.Message, ErrorCategoryValidation)
	case !is3pcc && len(opts.Codecs) > 0:
		reordered, err := ModifySdpCodecOrder(remoteSDP, opts.Codecs)
		if err != nil {
			return nil, InvalidArgument("некорректный SDP: %v", err)
		}
		remoteSDP = reordered
	case is3pcc && opts.SRTP:
		headers["X-Secure-RTP"] = "true"
	}

	target, err := ms.target(opts.Family, opts.DTLS)
	if err != nil {
		return nil, err
	}

	dialog, token, err := ms.invite(ctx, target, []byte(remoteSDP), headers)
	if err != nil {
		return nil, err
	}
	ch, err := ms.pending.Await(ctx, token, dialog)
	if err != nil {
		return nil, err
	}
	return ms.produceEndpoint(ctx, ch, dialog, opts.Codecs)
}

// target SIP URI профиля медиа сервера
func (ms *MediaServer) target(family AddressFamily, dtls bool) (string, error) {
	if family == "" {
		family = FamilyIPv4
	}
	if !ms.Connected() {
		return "", NewError(CodeNotReady, ErrNotReady.Message, ErrorCategoryConnection).
			WithField("media_server", ms.cfg.Address)
	}
	if dtls && ms.HasCapability(family, TransportDTLS) {
		return fmt.Sprintf("sips:%s@%s;transport=tls", tokenTag, ms.SipAddress(family, TransportDTLS)), nil
	}
	addr := ms.SipAddress(family, TransportUDP)
	if addr == "" {
		return "", NewError(CodeNotReady, ErrNotReady.Message, ErrorCategoryConnection).
			WithField("media_server", ms.cfg.Address).WithField("family", family)
	}
	return fmt.Sprintf("sip:%s@%s", tokenTag, addr), nil
}

// invite регистрирует токен и отправляет INVITE с ним.
// При ошибке INVITE запись удаляется.
func (ms *MediaServer) invite(ctx context.Context, target string, sdp []byte, headers map[string]string) (signaling.Dialog, string, error) {
	token := ms.pending.Register()
	headers["User-Agent"] = tokenTag + ":" + token
	headers["X-esl-outbound"] = ms.outboundTarget()

	ms.log.Debug(ctx, "INVITE на медиа сервер",
		logger.String("target", target),
		logger.String("token", token),
		logger.Bool("3pcc", len(sdp) == 0))

	dialog, err := ms.client.Invite(ctx, signaling.Invitation{Target: target, SDP: sdp, Headers: headers})
	if err != nil {
		ms.pending.Cancel(token)
		return nil, "", NewError(CodeConnectionFailed, "INVITE на медиа сервер завершился ошибкой", ErrorCategoryConnection).
			WithField("target", target).WithField("token", token).WithCause(err)
	}
	return dialog, token, nil
}

// produceEndpoint создает endpoint из сопоставленной пары и ждет его готовности
func (ms *MediaServer) produceEndpoint(ctx context.Context, ch *esl.Channel, dialog signaling.Dialog, codecs []string) (*Endpoint, error) {
	ep, err := newEndpoint(ctx, ch, dialog, endpointConfig{
		codecs:       codecs,
		customEvents: ms.cfg.CustomEvents,
		metrics:      ms.metrics,
		log:          ms.log,
	})
	if err == nil {
		err = ep.WaitReady(ctx)
	}
	if err != nil {
		ch.Close()
		byeCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		_ = dialog.Bye(byeCtx)
		cancel()
		return nil, err
	}
	return ep, nil
}

// ConnectCaller соединяет входящий вызов с медиа сервером.
// Возвращает endpoint и диалог с вызывающей стороной.
func (ms *MediaServer) ConnectCaller(ctx context.Context, call signaling.IncomingCall, opts EndpointOptions) (*Endpoint, signaling.Dialog, error) {
	offer := opts.RemoteSDP
	if offer == "" {
		offer = string(call.RemoteSDP())
	}

	if !RequiresDtlsHandshake(offer) {
		opts.RemoteSDP = offer
		ep, err := ms.CreateEndpoint(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		dialog, err := call.Answer(ctx, []byte(ep.Local().SDP))
		if err != nil {
			ms.destroyQuietly(ep)
			return nil, nil, err
		}
		return ep, dialog, nil
	}

	return ms.connectSecureCaller(ctx, call, offer, opts)
}

// connectSecureCaller ответ FreeSWITCH передается вызывающей стороне до
// появления outbound соединения, иначе DTLS рукопожатие не завершится.
func (ms *MediaServer) connectSecureCaller(ctx context.Context, call signaling.IncomingCall, offer string, opts EndpointOptions) (*Endpoint, signaling.Dialog, error) {
	headers := make(map[string]string, len(opts.Headers)+2)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	target, err := ms.target(opts.Family, false)
	if err != nil {
		return nil, nil, err
	}

	fsDialog, token, err := ms.invite(ctx, target, []byte(offer), headers)
	if err != nil {
		return nil, nil, err
	}

	callerDialog, err := call.Answer(ctx, fsDialog.RemoteSDP())
	if err != nil {
		ms.pending.Cancel(token)
		byeCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		_ = fsDialog.Bye(byeCtx)
		cancel()
		return nil, nil, err
	}

	ch, err := ms.pending.Await(ctx, token, fsDialog)
	if err == nil {
		var ep *Endpoint
		if ep, err = ms.produceEndpoint(ctx, ch, fsDialog, opts.Codecs); err == nil {
			return ep, callerDialog, nil
		}
	}

	byeCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	_ = callerDialog.Bye(byeCtx)
	cancel()
	return nil, nil, err
}

func (ms *MediaServer) destroyQuietly(ep *Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := ep.Destroy(ctx); err != nil {
		ms.log.Debug(ctx, "не удалось завершить endpoint", logger.String("uuid", ep.UUID()), logger.Err(err))
	}
}

var conferenceAbsent = regexp.MustCompile(`^No active conferences|Conference.*not found`)

// CreateConference создает конференцию с управляющим участником.
// Пустое имя заменяется сгенерированным anon-<uuid>.
func (ms *MediaServer) CreateConference(ctx context.Context, name string, opts ConferenceOptions) (*Conference, error) {
	if name == "" {
		name = "anon-" + uuid.NewString()
	} else {
		body, err := ms.API(ctx, "conference "+name+" list count")
		if err != nil {
			return nil, err
		}
		if !conferenceAbsent.MatchString(body) {
			return nil, NewError(CodeConferenceExists, ErrConferenceExists.Message, ErrorCategoryValidation).
				WithField("conference", name)
		}
	}

	ep, err := ms.CreateEndpoint(ctx, EndpointOptions{})
	if err != nil {
		return nil, err
	}

	conf := newConference(name, ep, ms.metrics, ms.log)
	res, err := ep.Join(ctx, name, JoinOptions{
		Profile: opts.Profile,
		Pin:     opts.Pin,
		Flags:   mergeFlags(opts.Flags, "endconf", "mute", "vmute"),
	})
	if err != nil {
		conf.release()
		ms.destroyQuietly(ep)
		return nil, err
	}
	conf.setControlMember(res)

	if opts.MaxMembers > 0 {
		if _, err := conf.Set(ctx, "max_members", strconv.Itoa(opts.MaxMembers)); err != nil {
			ms.log.Warn(ctx, "не удалось установить max_members",
				logger.String("conference", name), logger.Err(err))
		}
	}

	ms.log.Info(ctx, "создана конференция",
		logger.String("conference", name), logger.String("conf_uuid", res.ConfUUID))
	return conf, nil
}

func mergeFlags(flags []string, extra ...string) []string {
	out := make([]string, 0, len(flags)+len(extra))
	seen := make(map[string]bool, len(flags)+len(extra))
	for _, f := range append(append([]string(nil), flags...), extra...) {
		if k := kebabCase(f); k != "" && !seen[k] {
			seen[k] = true
			out = append(out, f)
		}
	}
	return out
}

func (ms *MediaServer) String() string {
	return fmt.Sprintf("MediaServer{address=%s sip=%s}", ms.cfg.Address, strings.TrimSpace(ms.SipAddress(FamilyIPv4, TransportUDP)))
}
