package mrf

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/fsmrf/pkg/esl/esltest"
	"github.com/arzzra/fsmrf/pkg/logger"
	"github.com/arzzra/fsmrf/pkg/signaling/signalingtest"
)

// ConferenceSuite конференция room1 с управляющим участником 1
type ConferenceSuite struct {
	suite.Suite

	ep     *Endpoint
	leg    *fakeLeg
	dialog *signalingtest.Dialog
	conf   *Conference
}

func TestConferenceSuite(t *testing.T) {
	suite.Run(t, new(ConferenceSuite))
}

func (s *ConferenceSuite) SetupTest() {
	s.ep, s.leg, s.dialog = newTestEndpoint(s.T(), "control-1")
	s.conf = newConference("room1", s.ep, nil, logger.NoOpLogger{})

	s.leg.joinOnConference(1, "conf-uuid-1")
	res, err := s.ep.Join(context.Background(), "room1", JoinOptions{Flags: []string{"endconf", "mute", "vmute"}})
	s.Require().NoError(err)
	s.conf.setControlMember(res)
}

func (s *ConferenceSuite) push(action ConferenceAction, headers map[string]string) {
	s.leg.conn.Push(conferenceEvent(action, "room1", "conf-uuid-1", headers))
}

func (s *ConferenceSuite) addMember(id int) {
	s.push(ActionAddMember, map[string]string{
		"Member-ID":         fmt.Sprint(id),
		"Member-Type":       "member",
		"Member-Ghost":      "false",
		"Channel-Call-UUID": fmt.Sprintf("caller-%d", id),
		"Conference-Size":   "2",
	})
}

// waiting число запросов, ожидающих завершения file
func (s *ConferenceSuite) waiting(file string) int {
	q := s.conf.plays
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byFile[file])
}

func (s *ConferenceSuite) TestControlLegJoinCapturesUUID() {
	s.Equal("conf-uuid-1", s.conf.UUID())
	s.Equal(1, s.conf.MemberID())
	s.Equal(-1, s.conf.MaxMembers())

	p, ok := s.conf.Participant(1)
	s.Require().True(ok)
	s.Equal("control-1", p.ChannelUUID)
	s.Equal("moderator", p.Type)

	// Фильтр по uuid конференции устанавливается после первого add-member
	s.Eventually(func() bool {
		return s.leg.conn.HasCommand("filter Conference-Unique-ID conf-uuid-1")
	}, waitTimeout, tick)
}

func (s *ConferenceSuite) TestRosterFollowsAddAndDelMember() {
	events := make(chan ConferenceEvent, 4)
	s.conf.OnEvent(func(ev ConferenceEvent) { events <- ev })

	s.addMember(5)
	s.Eventually(func() bool { return len(s.conf.Participants()) == 2 }, waitTimeout, tick)

	p, ok := s.conf.Participant(5)
	s.Require().True(ok)
	s.Equal(Participant{MemberID: 5, Type: "member", ChannelUUID: "caller-5"}, p)

	s.push(ActionDelMember, map[string]string{"Member-ID": "5", "Conference-Size": "1"})
	s.Eventually(func() bool { return len(s.conf.Participants()) == 1 }, waitTimeout, tick)

	_, ok = s.conf.Participant(5)
	s.False(ok)
	_, ok = s.conf.Participant(1)
	s.True(ok, "del-member удалил не того участника")

	s.Equal(ActionAddMember, (<-events).Action)
	ev := <-events
	s.Equal(ActionDelMember, ev.Action)
	s.Equal(5, ev.MemberID)
	s.Equal(1, ev.Size)
}

func (s *ConferenceSuite) TestUnknownActionIgnored() {
	s.push("video-floor-change", map[string]string{"Member-ID": "1"})
	s.push(ActionStartTalking, map[string]string{"Member-ID": "1"})
	s.addMember(9)

	s.Eventually(func() bool { return len(s.conf.Participants()) == 2 }, waitTimeout, tick)
}

func (s *ConferenceSuite) TestEventsOfOtherConferenceIgnored() {
	s.leg.conn.Push(conferenceEvent(ActionAddMember, "room1", "other-conf", map[string]string{"Member-ID": "3"}))
	s.addMember(4)

	s.Eventually(func() bool { return len(s.conf.Participants()) == 2 }, waitTimeout, tick)
	_, ok := s.conf.Participant(3)
	s.False(ok)
}

func (s *ConferenceSuite) TestLockEvents() {
	s.push(ActionLock, nil)
	s.Eventually(s.conf.Locked, waitTimeout, tick)

	s.push(ActionUnlock, nil)
	s.Eventually(func() bool { return !s.conf.Locked() }, waitTimeout, tick)
}

func (s *ConferenceSuite) TestPlaySumsAllFiles() {
	type result struct {
		totals PlaybackTotals
		err    error
	}
	done := make(chan result, 1)
	go func() {
		totals, err := s.conf.Play(context.Background(), "a.wav", "b.wav", "c.wav")
		done <- result{totals, err}
	}()

	s.Require().Eventually(func() bool {
		return s.leg.conn.HasCommand("api conference room1 play c.wav")
	}, waitTimeout, tick)

	for i, file := range []string{"a.wav", "b.wav", "c.wav"} {
		select {
		case <-done:
			s.FailNow("Play завершился до последнего play-file-done")
		default:
		}
		s.push(ActionPlayFileDone, map[string]string{
			"File":         file,
			"seconds":      fmt.Sprint(i + 1),
			"milliseconds": fmt.Sprint((i + 1) * 1000),
			"samples":      fmt.Sprint((i + 1) * 8000),
		})
		if i < 2 {
			next := fmt.Sprintf("%c.wav", 'b'+i)
			s.Require().Eventually(func() bool { return s.waiting(next) == 1 }, waitTimeout, tick)
		}
	}

	select {
	case r := <-done:
		s.Require().NoError(r.err)
		s.Equal(PlaybackTotals{Seconds: 6, Milliseconds: 6000, Samples: 48000}, r.totals)
	case <-time.After(waitTimeout):
		s.FailNow("Play не завершился")
	}
	s.Equal(0, s.conf.plays.size())
}

func (s *ConferenceSuite) TestPlaySkipsMissingFiles() {
	s.leg.conn.SetAPIResponse("conference room1 play x.wav", "-ERR File x.wav not found.\n")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	totals, err := s.conf.Play(ctx, "x.wav")
	s.Require().NoError(err)
	s.Equal(PlaybackTotals{}, totals)
	s.Equal(0, s.conf.plays.size())
}

func (s *ConferenceSuite) TestPlayWaitsOnlyForQueuedFiles() {
	s.leg.conn.SetAPIResponse("conference room1 play missing.wav", "File missing.wav not found.\n")

	done := make(chan PlaybackTotals, 1)
	go func() {
		totals, err := s.conf.Play(context.Background(), "missing.wav", "ok.wav")
		s.NoError(err)
		done <- totals
	}()

	s.Require().Eventually(func() bool {
		return s.leg.conn.HasCommand("api conference room1 play ok.wav")
	}, waitTimeout, tick)
	s.push(ActionPlayFileDone, map[string]string{"File": "ok.wav", "seconds": "2", "milliseconds": "2000", "samples": "16000"})

	select {
	case totals := <-done:
		s.Equal(PlaybackTotals{Seconds: 2, Milliseconds: 2000, Samples: 16000}, totals)
	case <-time.After(waitTimeout):
		s.FailNow("Play не завершился")
	}
}

func (s *ConferenceSuite) TestPlayRequiresFiles() {
	_, err := s.conf.Play(context.Background())
	s.True(errors.Is(err, &Error{Code: CodeInvalidArgument}))
}

func (s *ConferenceSuite) TestUnaryOps() {
	ctx := context.Background()
	conn := s.leg.conn
	conn.SetAPIResponse("conference room1 lock", "OK room1 locked\n")
	conn.SetAPIResponse("conference room1 unlock", "-ERR Conference room1 not found\n")
	conn.SetAPIResponse("conference room1 mute all", "OK mute 1\nOK mute 5\n")
	conn.SetAPIResponse("conference room1 list count", "3\n")
	conn.SetAPIResponse("conference room1 get count", "3\n")
	conn.SetAPIResponse("conference room1 get uuid", "conf-uuid-1\n")
	conn.SetAPIResponse("conference room1 set max_members 10", "+OK max_members 10\n")
	conn.SetAPIResponse("conference room1 list", "1;sofia/drachtio_mrf/control-1;...\n")

	s.Require().NoError(s.conf.Lock(ctx))
	s.True(s.conf.Locked())

	err := s.conf.Unlock(ctx)
	s.Require().Error(err)
	s.Contains(err.Error(), "Conference room1 not found")
	s.True(s.conf.Locked())

	s.NoError(s.conf.Mute(ctx, "all"))

	size, err := s.conf.Size(ctx)
	s.Require().NoError(err)
	s.Equal(3, size)

	n, err := s.conf.GetInt(ctx, "count")
	s.Require().NoError(err)
	s.Equal(3, n)

	id, err := s.conf.Get(ctx, "uuid")
	s.Require().NoError(err)
	s.Equal("conf-uuid-1", id)
	_, err = s.conf.GetInt(ctx, "uuid")
	s.True(errors.Is(err, &Error{Code: CodeUnexpectedReply}))

	_, err = s.conf.Set(ctx, "max_members", "10")
	s.Require().NoError(err)
	s.Equal(10, s.conf.MaxMembers())

	list, err := s.conf.List(ctx)
	s.Require().NoError(err)
	s.Contains(list, "control-1")
}

func (s *ConferenceSuite) TestRecording() {
	ctx := context.Background()
	conn := s.leg.conn
	file := "/tmp/room1.wav"
	conn.SetAPIResponse("conference room1 recording start "+file, "Record file "+file+"\n")
	conn.SetAPIResponse("conference room1 recording pause "+file, "Pause recording file "+file+"\n")
	conn.SetAPIResponse("conference room1 recording resume "+file, "Resume recording file "+file+"\n")
	conn.SetAPIResponse("conference room1 recording stop "+file, "Stopped recording file "+file+" (1 total)\n")

	s.Require().NoError(s.conf.StartRecording(ctx, file))
	s.Equal(file, s.conf.RecordFile())
	s.Require().NoError(s.conf.PauseRecording(ctx, file))
	s.Require().NoError(s.conf.ResumeRecording(ctx, file))
	s.Require().NoError(s.conf.StopRecording(ctx, file))
	s.Empty(s.conf.RecordFile())

	conn.SetAPIResponse("conference room1 recording start "+file, "-ERR Conference room1 not found\n")
	err := s.conf.StartRecording(ctx, file)
	s.Require().Error(err)

	var mrfErr *Error
	s.Require().True(errors.As(err, &mrfErr))
	s.Equal("-ERR Conference room1 not found\n", mrfErr.Message)
	s.Empty(s.conf.RecordFile())
}

func (s *ConferenceSuite) TestDestroy() {
	s.leg.onAsyncExecute(func(m esltest.Msg) {
		if m.App() == "hangup" {
			s.dialog.RemoteBye()
		}
	})

	s.Equal(float64(1), testutil.ToFloat64(s.conf.metrics.activeConferences))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	s.Require().NoError(s.conf.Destroy(ctx))
	s.Equal(StateDisconnected, s.ep.State())
	s.Equal(float64(0), testutil.ToFloat64(s.conf.metrics.activeConferences))

	// Повторный Destroy не допускается
	s.True(errors.Is(s.conf.Destroy(ctx), ErrInvalidState))
}

func TestConference_DispatchTableCoversActions(t *testing.T) {
	actions := []ConferenceAction{
		ActionAddMember, ActionDelMember, ActionStartTalking, ActionStopTalking,
		ActionMuteDetect, ActionMuteMember, ActionUnmuteMember, ActionKickMember,
		ActionDtmfMember, ActionPlayFile, ActionPlayFileDone, ActionLock, ActionUnlock,
		ActionTransfer, ActionStartRecording, ActionStopRecording,
	}
	for _, a := range actions {
		_, ok := conferenceHandlers[a]
		require.True(t, ok, "нет обработчика для %s", a)
	}
	_, ok := conferenceHandlers["video-floor-change"]
	assert.False(t, ok)
}
