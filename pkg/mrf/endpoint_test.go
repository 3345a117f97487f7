package mrf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/fsmrf/pkg/esl"
	"github.com/arzzra/fsmrf/pkg/esl/esltest"
	"github.com/arzzra/fsmrf/pkg/logger"
	"github.com/arzzra/fsmrf/pkg/signaling/signalingtest"
)

func TestEndpoint_ReadyPopulatesMediaInfo(t *testing.T) {
	ep, leg, _ := newTestEndpoint(t, "chan-1")

	assert.Equal(t, "chan-1", ep.UUID())
	assert.Equal(t, StateConnected, ep.State())
	assert.False(t, ep.Secure())
	assert.Equal(t, "call-chan-1", ep.CallID())
	assert.Equal(t, "rfc2833", ep.DtmfType())

	local := ep.Local()
	assert.Equal(t, serverSDP, local.SDP)
	assert.Equal(t, "10.0.0.5", local.MediaIP)
	assert.Equal(t, 20000, local.MediaPort)

	remote := ep.Remote()
	assert.Equal(t, callerSDP, remote.SDP)
	assert.Equal(t, "10.0.0.9", remote.MediaIP)
	assert.Equal(t, 30000, remote.MediaPort)

	assert.True(t, leg.conn.HasCommand("api uuid_set_media_stats chan-1"))
	assert.True(t, leg.conn.HasCommand("filter Unique-ID chan-1"))
}

func TestEndpoint_CodecString(t *testing.T) {
	leg := newFakeLeg(t, "chan-1", "", nil)
	dialog := signalingtest.NewDialog(nil, []byte(serverSDP))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ep, err := newEndpoint(ctx, leg.ch, dialog, endpointConfig{
		codecs: []string{"PCMA", "PCMU"},
		log:    logger.NoOpLogger{},
	})
	require.NoError(t, err)
	require.NoError(t, ep.WaitReady(ctx))

	msgs := leg.msgsFor("set")
	require.Len(t, msgs, 1)
	assert.Equal(t, "codec_string=PCMA,PCMU", msgs[0].Arg())
}

func TestEndpoint_SecureWaitsForEarly(t *testing.T) {
	leg := newFakeLeg(t, "chan-s", "", map[string]string{
		"variable_switch_r_sdp": secureSDP,
		"Channel-Call-State":    "RINGING",
	})
	dialog := signalingtest.NewDialog(nil, []byte(serverSDP))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ep, err := newEndpoint(ctx, leg.ch, dialog, endpointConfig{log: logger.NoOpLogger{}})
	require.NoError(t, err)
	assert.True(t, ep.Secure())
	assert.Equal(t, StateNotConnected, ep.State())

	states := make(chan string, 4)
	ep.OnCallState(func(state string) { states <- state })

	leg.conn.PushEvent(map[string]string{
		"Event-Name":         esl.EventChannelCallState,
		"Unique-ID":          "chan-s",
		"Channel-Call-State": "EARLY",
	})

	require.NoError(t, ep.WaitReady(ctx))
	assert.Equal(t, StateConnected, ep.State())
	select {
	case state := <-states:
		assert.Equal(t, "EARLY", state)
	case <-time.After(waitTimeout):
		t.Fatal("обработчик Channel-Call-State не вызван")
	}
}

func TestEndpoint_SecureConnectsOnAnswerWithoutEarly(t *testing.T) {
	for _, tc := range []struct {
		name   string
		events []map[string]string
	}{
		{
			name: "callstate active",
			events: []map[string]string{
				{"Event-Name": esl.EventChannelCallState, "Unique-ID": "chan-s", "Channel-Call-State": "ACTIVE"},
				{"Event-Name": esl.EventChannelAnswer, "Unique-ID": "chan-s"},
			},
		},
		{
			name: "answer only",
			events: []map[string]string{
				{"Event-Name": esl.EventChannelAnswer, "Unique-ID": "chan-s"},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			leg := newFakeLeg(t, "chan-s", "", map[string]string{
				"variable_switch_r_sdp": secureSDP,
				"Channel-Call-State":    "RINGING",
			})
			dialog := signalingtest.NewDialog(nil, []byte(serverSDP))

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			ep, err := newEndpoint(ctx, leg.ch, dialog, endpointConfig{log: logger.NoOpLogger{}})
			require.NoError(t, err)
			require.Equal(t, StateNotConnected, ep.State())

			for _, ev := range tc.events {
				leg.conn.PushEvent(ev)
			}

			require.NoError(t, ep.WaitReady(ctx))
			assert.Equal(t, StateConnected, ep.State())

			dumps := 0
			for _, cmd := range leg.conn.Commands() {
				if cmd == "api uuid_dump chan-s" {
					dumps++
				}
			}
			assert.Equal(t, 1, dumps)
		})
	}
}

func TestEndpoint_DestroyRequiresConnected(t *testing.T) {
	leg := newFakeLeg(t, "chan-s", "", map[string]string{
		"variable_switch_r_sdp": secureSDP,
		"Channel-Call-State":    "RINGING",
	})
	dialog := signalingtest.NewDialog(nil, []byte(serverSDP))
	ep, err := newEndpoint(context.Background(), leg.ch, dialog, endpointConfig{log: logger.NoOpLogger{}})
	require.NoError(t, err)
	require.Equal(t, StateNotConnected, ep.State())

	commands, msgs := len(leg.conn.Commands()), len(leg.conn.Msgs())

	err = ep.Destroy(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))

	// Ни одной команды на канал не отправлено
	assert.Len(t, leg.conn.Commands(), commands)
	assert.Len(t, leg.conn.Msgs(), msgs)
	assert.Equal(t, 0, dialog.ByeCount())
}

func TestEndpoint_DestroyAfterDisconnectFailsFast(t *testing.T) {
	ep, leg, dialog := newTestEndpoint(t, "chan-1")

	dialog.RemoteBye()
	require.Eventually(t, func() bool { return ep.State() == StateDisconnected }, waitTimeout, tick)

	msgs := len(leg.conn.Msgs())
	err := ep.Destroy(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Len(t, leg.conn.Msgs(), msgs)

	_, err = ep.Play(context.Background(), "a.wav")
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestEndpoint_Destroy(t *testing.T) {
	ep, leg, dialog := newTestEndpoint(t, "chan-1")
	leg.onAsyncExecute(func(m esltest.Msg) {
		if m.App() == "hangup" {
			dialog.RemoteBye()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, ep.Destroy(ctx))

	assert.Equal(t, StateDisconnected, ep.State())
	assert.Len(t, leg.msgsFor("hangup"), 1)
	assert.True(t, dialog.Terminated())
	select {
	case <-ep.Done():
	default:
		t.Fatal("Done не закрыт после Destroy")
	}
}

func TestEndpoint_HangupEventDisconnects(t *testing.T) {
	ep, leg, dialog := newTestEndpoint(t, "chan-1")

	leg.conn.PushEvent(map[string]string{
		"Event-Name":   esl.EventChannelHangup,
		"Unique-ID":    "chan-1",
		"Hangup-Cause": "NORMAL_CLEARING",
	})

	require.Eventually(t, func() bool { return ep.State() == StateDisconnected }, waitTimeout, tick)
	select {
	case <-leg.conn.Closed():
	case <-time.After(waitTimeout):
		t.Fatal("соединение не закрыто после CHANNEL_HANGUP")
	}

	_, err := ep.Execute(context.Background(), "playback", "a.wav")
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Equal(t, 0, dialog.ByeCount())
}

func TestEndpoint_BridgeAndUnbridge(t *testing.T) {
	a, legA, _ := newTestEndpoint(t, "chan-a")
	b, _, _ := newTestEndpoint(t, "chan-b")
	ctx := context.Background()

	legA.conn.SetAPIResponse("uuid_bridge chan-a chan-b", "+OK chan-b\n")
	legA.conn.SetAPIResponse("uuid_transfer chan-a -both park inline", "+OK\n")

	require.NoError(t, a.BridgeEndpoint(ctx, b))
	require.NoError(t, a.Unbridge(ctx))

	assert.True(t, legA.conn.HasCommand("api uuid_bridge chan-a chan-b"))
	assert.True(t, legA.conn.HasCommand("api uuid_transfer chan-a -both park inline"))
}

func TestEndpoint_BridgeFailureKeepsServerText(t *testing.T) {
	a, legA, _ := newTestEndpoint(t, "chan-a")
	legA.conn.SetAPIResponse("uuid_bridge chan-a chan-x", "-ERR Invalid uuid chan-x\n")

	err := a.Bridge(context.Background(), "chan-x")
	require.Error(t, err)

	var mrfErr *Error
	require.True(t, errors.As(err, &mrfErr))
	assert.Equal(t, ErrorCategoryProtocol, mrfErr.Category)
	assert.Equal(t, "-ERR Invalid uuid chan-x\n", mrfErr.Message)
}

func TestEndpoint_Play(t *testing.T) {
	ep, leg, _ := newTestEndpoint(t, "chan-1")
	leg.completeWith("playback", map[string]string{
		"variable_playback_seconds": "3",
		"variable_playback_ms":      "3120",
	})

	res, err := ep.Play(context.Background(), "a.wav", "b.wav")
	require.NoError(t, err)
	assert.Equal(t, PlaybackResult{Seconds: 3, Milliseconds: 3120}, res)

	var apps, args []string
	for _, m := range leg.conn.Msgs() {
		apps = append(apps, m.App())
		args = append(args, m.Arg())
	}
	assert.Equal(t, []string{"set", "playback"}, apps)
	assert.Equal(t, []string{"playback_delimiter=!", "a.wav!b.wav"}, args)

	_, err = ep.Play(context.Background())
	assert.True(t, errors.Is(err, &Error{Code: CodeInvalidArgument}))
}

func TestEndpoint_PlayCollect(t *testing.T) {
	ep, leg, _ := newTestEndpoint(t, "chan-1")
	leg.completeWith("play_and_get_digits", map[string]string{
		"variable_current_application":  "play_and_get_digits",
		"variable_myDigitBuffer":        "1234",
		"variable_read_terminator_used": "#",
	})

	res, err := ep.PlayCollect(context.Background(), PlayCollectOptions{File: "prompt.wav", Min: 1, Max: 4})
	require.NoError(t, err)
	assert.Equal(t, "1234", res.Digits)
	assert.Equal(t, "#", res.TerminatorUsed)

	msgs := leg.msgsFor("play_and_get_digits")
	require.Len(t, msgs, 1)
	assert.Equal(t, `1 4 1 120000 # prompt.wav silence_stream://250 myDigitBuffer \d+ 8000`, msgs[0].Arg())
}

func TestEndpoint_PlayCollectWrongApplication(t *testing.T) {
	ep, leg, _ := newTestEndpoint(t, "chan-1")
	leg.completeWith("play_and_get_digits", map[string]string{
		"variable_current_application": "playback",
	})

	_, err := ep.PlayCollect(context.Background(), PlayCollectOptions{File: "prompt.wav"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "playback")

	_, err = ep.PlayCollect(context.Background(), PlayCollectOptions{File: "prompt.wav", Min: 5, Max: 2})
	assert.True(t, errors.Is(err, &Error{Code: CodeInvalidArgument}))
}

func TestEndpoint_Say(t *testing.T) {
	ep, leg, _ := newTestEndpoint(t, "chan-1")

	t.Run("server echoes say", func(t *testing.T) {
		leg.completeWith("say", map[string]string{"variable_current_application": "say"})

		_, err := ep.Say(context.Background(), "1.96", SayOptions{Type: "currency", Method: "pronounced"})
		require.NoError(t, err)

		msgs := leg.msgsFor("say")
		require.NotEmpty(t, msgs)
		assert.Equal(t, "en CURRENCY pronounced 1.96", msgs[len(msgs)-1].Arg())
	})

	t.Run("server echoes other application", func(t *testing.T) {
		leg.completeWith("say", map[string]string{"variable_current_application": "playback"})

		_, err := ep.Say(context.Background(), "1.96", SayOptions{Type: "currency", Method: "pronounced"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "playback")

		var mrfErr *Error
		require.True(t, errors.As(err, &mrfErr))
		assert.Equal(t, ErrorCategoryProtocol, mrfErr.Category)
	})

	t.Run("invalid enumeration", func(t *testing.T) {
		before := len(leg.conn.Msgs())

		_, err := ep.Say(context.Background(), "1.96", SayOptions{Type: "weather", Method: "pronounced"})
		assert.True(t, errors.Is(err, &Error{Code: CodeInvalidArgument}))
		_, err = ep.Say(context.Background(), "1.96", SayOptions{Type: "number", Method: "shouted"})
		assert.True(t, errors.Is(err, &Error{Code: CodeInvalidArgument}))
		_, err = ep.Say(context.Background(), "1.96", SayOptions{Type: "number", Method: "counted", Gender: "plural"})
		assert.True(t, errors.Is(err, &Error{Code: CodeInvalidArgument}))

		assert.Len(t, leg.conn.Msgs(), before)
	})
}

func TestEndpoint_Record(t *testing.T) {
	ep, leg, _ := newTestEndpoint(t, "chan-1")
	leg.completeWith("record", map[string]string{
		"variable_record_seconds":           "5",
		"variable_record_ms":                "5040",
		"variable_record_samples":           "40320",
		"variable_playback_terminator_used": "#",
	})

	res, err := ep.Record(context.Background(), "/tmp/rec.wav", RecordOptions{TimeLimitSecs: 20})
	require.NoError(t, err)
	assert.Equal(t, RecordResult{TerminatorUsed: "#", Seconds: 5, Milliseconds: 5040, Samples: 40320}, res)

	msgs := leg.msgsFor("record")
	require.Len(t, msgs, 1)
	assert.Equal(t, "/tmp/rec.wav 20", msgs[0].Arg())
}

func TestEndpoint_Join(t *testing.T) {
	ep, leg, _ := newTestEndpoint(t, "chan-1")
	release := make(chan struct{})
	leg.onAsyncExecute(func(m esltest.Msg) {
		if m.App() != "conference" {
			return
		}
		go func() {
			<-release
			// Другой участник той же конференции
			leg.conn.Push(conferenceEvent(ActionAddMember, "room1", "conf-1", map[string]string{
				"Member-ID": "3",
				"Unique-ID": "chan-other",
			}))
			leg.conn.Push(conferenceEvent(ActionAddMember, "room1", "conf-1", map[string]string{
				"Member-ID":         "7",
				"Channel-Call-UUID": "chan-1",
			}))
		}()
	})

	type result struct {
		res JoinResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := ep.Join(context.Background(), "room1", JoinOptions{Flags: []string{"waitMod", "moderator"}})
		done <- result{res, err}
	}()

	require.Eventually(t, func() bool { return len(leg.msgsFor("conference")) == 1 }, waitTimeout, tick)
	assert.Equal(t, "room1++flags{wait-mod|moderator}", leg.msgsFor("conference")[0].Arg())

	// Второй join, пока первый не завершен
	_, err := ep.Join(context.Background(), "room2", JoinOptions{})
	assert.True(t, errors.Is(err, ErrJoinInProgress))
	assert.Len(t, leg.msgsFor("conference"), 1)

	close(release)
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, JoinResult{MemberID: 7, ConfUUID: "conf-1"}, r.res)
	case <-time.After(waitTimeout):
		t.Fatal("Join не завершился")
	}

	m := ep.Conference()
	require.NotNil(t, m)
	assert.Equal(t, Membership{Name: "room1", MemberID: 7, UUID: "conf-1"}, *m)
}

func TestEndpoint_MemberOps(t *testing.T) {
	ep, leg, _ := newTestEndpoint(t, "chan-1")
	ctx := context.Background()

	before := len(leg.conn.Commands())
	_, err := ep.ConfMute(ctx)
	assert.True(t, errors.Is(err, ErrNotInConference))
	_, err = ep.ConfPlay(ctx, "a.wav", ConfPlayOptions{})
	assert.True(t, errors.Is(err, ErrNotInConference))
	_, err = ep.Transfer(ctx, "room2")
	assert.True(t, errors.Is(err, ErrNotInConference))
	assert.Len(t, leg.conn.Commands(), before)

	leg.joinOnConference(7, "conf-1")
	_, err = ep.Join(ctx, "room1", JoinOptions{})
	require.NoError(t, err)

	leg.conn.SetAPIResponse("conference room1 mute 7", "OK mute 7\n")
	leg.conn.SetAPIResponse("conference room1 deaf 7", "-ERR Non-Existant ID 7\n")
	leg.conn.SetAPIResponse("conference room1 play a.wav vol=2 7", "(play) Playing file a.wav to member 7\n")
	leg.conn.SetAPIResponse("conference room1 transfer room2 7", "OK Member 7 sent to conference room2.\n")

	_, err = ep.ConfMute(ctx)
	require.NoError(t, err)

	_, err = ep.ConfDeaf(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Non-Existant ID 7")

	_, err = ep.ConfPlay(ctx, "a.wav", ConfPlayOptions{Volume: 2})
	require.NoError(t, err)

	_, err = ep.Transfer(ctx, "room2")
	require.NoError(t, err)
	assert.Equal(t, "room2", ep.Conference().Name)

	// del-member для этого участника сбрасывает участие
	leg.conn.Push(conferenceEvent(ActionDelMember, "room2", "conf-2", map[string]string{"Member-ID": "7"}))
	assert.Eventually(t, func() bool { return ep.Conference() == nil }, waitTimeout, tick)
}

func TestEndpoint_CustomEventListener(t *testing.T) {
	ep, leg, _ := newTestEndpoint(t, "chan-1")
	ctx := context.Background()

	got := make(chan any, 2)
	require.NoError(t, ep.AddCustomEventListener(ctx, "mod_audio_fork::json", func(body any) { got <- body }))
	assert.True(t, leg.conn.HasCommand("event plain CUSTOM mod_audio_fork::json"))

	leg.conn.Push(esl.NewEvent(map[string]string{
		"Event-Name":     esl.EventCustom,
		"Event-Subclass": "mod_audio_fork::json",
	}, `{"type":"transcription","final":true}`))
	leg.conn.Push(esl.NewEvent(map[string]string{
		"Event-Name":     esl.EventCustom,
		"Event-Subclass": "mod_audio_fork::json",
	}, "not json"))

	select {
	case body := <-got:
		assert.Equal(t, map[string]any{"type": "transcription", "final": true}, body)
	case <-time.After(waitTimeout):
		t.Fatal("событие не доставлено")
	}
	select {
	case body := <-got:
		assert.Equal(t, "not json", body)
	case <-time.After(waitTimeout):
		t.Fatal("событие не доставлено")
	}

	ep.RemoveCustomEventListener("mod_audio_fork::json")
	assert.Error(t, ep.AddCustomEventListener(ctx, "CUSTOM x", func(any) {}))
}

func TestEndpoint_GetChannelVariables(t *testing.T) {
	ep, leg, _ := newTestEndpoint(t, "chan-1")

	vars, err := ep.GetChannelVariables(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 42, vars["variable_rtp_audio_in_packet_count"])
	assert.Equal(t, "10.0.0.5", vars["variable_local_media_ip"])

	leg.conn.SetAPIResponse("uuid_dump chan-1", "-ERR No such channel!\n")
	_, err = ep.GetChannelVariables(context.Background(), false)
	assert.True(t, errors.Is(err, &Error{Code: CodeUnexpectedReply}))
}
