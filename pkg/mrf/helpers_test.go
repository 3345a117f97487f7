package mrf

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/fsmrf/pkg/esl"
	"github.com/arzzra/fsmrf/pkg/esl/esltest"
	"github.com/arzzra/fsmrf/pkg/logger"
	"github.com/arzzra/fsmrf/pkg/signaling"
	"github.com/arzzra/fsmrf/pkg/signaling/signalingtest"
)

const (
	callerSDP = "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.9\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.9\r\n" +
		"t=0 0\r\n" +
		"m=audio 30000 RTP/AVP 0 8 101\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n" +
		"a=rtpmap:101 telephone-event/8000\r\n"

	serverSDP = "v=0\r\n" +
		"o=FreeSWITCH 1 1 IN IP4 10.0.0.5\r\n" +
		"s=FreeSWITCH\r\n" +
		"c=IN IP4 10.0.0.5\r\n" +
		"t=0 0\r\n" +
		"m=audio 20000 RTP/AVP 0 101\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"a=rtpmap:101 telephone-event/8000\r\n"

	secureSDP = "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.9\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.9\r\n" +
		"t=0 0\r\n" +
		"m=audio 30000 UDP/TLS/RTP/SAVPF 111\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n" +
		"a=setup:actpass\r\n"

	sofiaStatus = "                     Name\t   Type\t                                      Data\tState\n" +
		"=================================================================================================\n" +
		"            drachtio_mrf\tprofile\t         sip:mod_sofia@10.0.0.5:5080\tRUNNING (0)\n" +
		"            drachtio_mrf\tprofile\t         sip:mod_sofia@10.0.0.5:5081\tRUNNING (0) (TLS)\n" +
		"            drachtio_mrf\tprofile\t         sip:mod_sofia@[2001:db8::5]:5080\tRUNNING (0)\n" +
		"                internal\tprofile\t         sip:mod_sofia@10.0.0.5:5060\tRUNNING (0)\n" +
		"=================================================================================================\n"

	waitTimeout = 2 * time.Second
	tick        = 5 * time.Millisecond
)

// channelDump тело ответа uuid_dump для тестового канала
func channelDump(channelUUID string) string {
	vars := [][2]string{
		{"Unique-ID", channelUUID},
		{"variable_rtp_local_sdp_str", serverSDP},
		{"variable_local_media_ip", "10.0.0.5"},
		{"variable_local_media_port", "20000"},
		{"variable_switch_r_sdp", callerSDP},
		{"variable_remote_media_ip", "10.0.0.9"},
		{"variable_remote_media_port", "30000"},
		{"variable_sip_call_id", "call-" + channelUUID},
		{"variable_dtmf_type", "rfc2833"},
		{"variable_rtp_audio_in_packet_count", "42"},
	}
	var sb strings.Builder
	for _, kv := range vars {
		sb.WriteString(kv[0] + ": " + url.PathEscape(kv[1]) + "\n")
	}
	return sb.String()
}

// fakeLeg outbound соединение FreeSWITCH для одного канала
type fakeLeg struct {
	conn *esltest.Conn
	ch   *esl.Channel
	uuid string

	mu      sync.Mutex
	results map[string]map[string]string
	onAsync func(m esltest.Msg)
}

// newFakeLeg принимает фейковое соединение так же, как MediaServer
func newFakeLeg(t *testing.T, channelUUID, userAgent string, info map[string]string) *fakeLeg {
	t.Helper()

	headers := map[string]string{
		"Channel-Unique-ID":       channelUUID,
		"Unique-ID":               channelUUID,
		"Channel-Call-State":      "ACTIVE",
		"variable_sip_user_agent": userAgent,
	}
	for k, v := range info {
		headers[k] = v
	}

	leg := &fakeLeg{
		conn:    esltest.NewConn(),
		uuid:    channelUUID,
		results: make(map[string]map[string]string),
	}
	leg.conn.OnCommand(func(cmd string) (*esl.Event, error) {
		if cmd == "connect" {
			return esl.NewEvent(headers, ""), nil
		}
		return esl.NewEvent(map[string]string{"Reply-Text": "+OK"}, ""), nil
	})
	leg.conn.SetAPIResponse("uuid_dump "+channelUUID, channelDump(channelUUID))
	leg.conn.OnMsg(leg.handleMsg)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ch, err := esl.Accept(ctx, leg.conn, logger.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	leg.ch = ch
	return leg
}

// completeWith задает заголовки CHANNEL_EXECUTE_COMPLETE для приложения app
func (l *fakeLeg) completeWith(app string, headers map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[app] = headers
}

// onAsyncExecute задает реакцию на приложения, запущенные без ожидания
func (l *fakeLeg) onAsyncExecute(fn func(m esltest.Msg)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAsync = fn
}

func (l *fakeLeg) handleMsg(m esltest.Msg) (*esl.Event, error) {
	l.mu.Lock()
	headers := l.results[m.App()]
	fn := l.onAsync
	l.mu.Unlock()

	if m.Headers["Event-UUID"] != "" {
		go l.conn.Push(esltest.ExecuteComplete(m, headers))
	} else if fn != nil {
		fn(m)
	}
	return esl.NewEvent(map[string]string{"Reply-Text": "+OK"}, ""), nil
}

// msgsFor отправленные execute сообщения приложения app
func (l *fakeLeg) msgsFor(app string) []esltest.Msg {
	var out []esltest.Msg
	for _, m := range l.conn.Msgs() {
		if m.App() == app {
			out = append(out, m)
		}
	}
	return out
}

// joinOnConference отвечает на приложение conference событием add-member
func (l *fakeLeg) joinOnConference(memberID int, confUUID string) {
	l.onAsyncExecute(func(m esltest.Msg) {
		if m.App() != "conference" {
			return
		}
		name := strings.SplitN(strings.SplitN(m.Arg(), "+", 2)[0], "@", 2)[0]
		l.conn.Push(conferenceEvent(ActionAddMember, name, confUUID, map[string]string{
			"Member-ID":         fmt.Sprint(memberID),
			"Member-Type":       "moderator",
			"Member-Ghost":      "false",
			"Channel-Call-UUID": l.uuid,
			"Conference-Size":   "1",
		}))
	})
}

func conferenceEvent(action ConferenceAction, name, confUUID string, extra map[string]string) *esl.Event {
	headers := map[string]string{
		"Event-Name":           esl.EventCustom,
		"Event-Subclass":       conferenceMaintenance,
		"Action":               string(action),
		"Conference-Name":      name,
		"Conference-Unique-ID": confUUID,
	}
	for k, v := range extra {
		headers[k] = v
	}
	return esl.NewEvent(headers, "")
}

// newTestEndpoint создает готовый endpoint поверх фейкового соединения
func newTestEndpoint(t *testing.T, channelUUID string) (*Endpoint, *fakeLeg, *signalingtest.Dialog) {
	t.Helper()

	leg := newFakeLeg(t, channelUUID, "", nil)
	dialog := signalingtest.NewDialog([]byte(callerSDP), []byte(serverSDP))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ep, err := newEndpoint(ctx, leg.ch, dialog, endpointConfig{log: logger.NoOpLogger{}})
	require.NoError(t, err)
	require.NoError(t, ep.WaitReady(ctx))
	return ep, leg, dialog
}

// harness MediaServer с фейковыми управляющим соединением и SIP клиентом.
// Каждый INVITE порождает outbound соединение с токеном из User-Agent.
type harness struct {
	t      *testing.T
	ms     *MediaServer
	ctrl   *esltest.Conn
	client *signalingtest.Client

	mu       sync.Mutex
	legs     []*fakeLeg
	dialogs  []*signalingtest.Dialog
	legInfo  map[string]string
	setupLeg func(leg *fakeLeg)
}

func newHarness(t *testing.T, cfg MediaServerConfig) *harness {
	t.Helper()

	cfg.Address = "10.0.0.5"
	cfg.AdvertisedAddress = "10.0.0.20"
	cfg = cfg.withDefaults()

	ctrl := esltest.NewConn()
	ctrl.SetAPIResponse("sofia status", sofiaStatus)
	ch := esl.NewChannel(ctrl, logger.NoOpLogger{})
	t.Cleanup(ch.Close)

	h := &harness{
		t:      t,
		ctrl:   ctrl,
		client: signalingtest.NewClient([]byte(serverSDP)),
	}
	h.ms = newMediaServer(cfg, ch, h.client, logger.NoOpLogger{})
	h.client.OnInvite(h.onInvite)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.ms.start(ctx))
	return h
}

func (h *harness) onInvite(ctx context.Context, inv signaling.Invitation) (signaling.Dialog, error) {
	h.mu.Lock()
	n := len(h.legs)
	setup, info := h.setupLeg, h.legInfo
	h.mu.Unlock()

	leg := newFakeLeg(h.t, fmt.Sprintf("leg-%d", n+1), inv.Headers["User-Agent"], info)
	if setup != nil {
		setup(leg)
	}
	h.ms.acceptChannel(ctx, leg.ch)

	dialog := signalingtest.NewDialog(inv.SDP, []byte(serverSDP))
	h.mu.Lock()
	h.legs = append(h.legs, leg)
	h.dialogs = append(h.dialogs, dialog)
	h.mu.Unlock()
	return dialog, nil
}

func (h *harness) leg(i int) *fakeLeg {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.legs[i]
}

func (h *harness) dialog(i int) *signalingtest.Dialog {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dialogs[i]
}
