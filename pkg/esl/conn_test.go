package esl_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/fsmrf/pkg/esl"
	"github.com/arzzra/fsmrf/pkg/logger"
)

// fakeSwitch inbound event socket сервер, отвечающий по сценарию
type fakeSwitch struct {
	ln    net.Listener
	reply func(cmd string) string

	mu   sync.Mutex
	conn net.Conn
}

func startFakeSwitch(t *testing.T, reply func(cmd string) string) *fakeSwitch {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeSwitch{ln: ln, reply: reply}
	t.Cleanup(func() {
		_ = ln.Close()
		s.hangup()
	})
	go s.serve()
	return s
}

func (s *fakeSwitch) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	r := bufio.NewReader(conn)
	s.write("Content-Type: auth/request\n\n")
	for {
		cmd, err := readCommand(r)
		if err != nil {
			return
		}
		if strings.HasPrefix(cmd, "auth ") {
			s.write(commandReply("+OK accepted"))
			continue
		}
		s.write(s.reply(cmd))
	}
}

func (s *fakeSwitch) write(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_, _ = s.conn.Write([]byte(frame))
	}
}

func (s *fakeSwitch) hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func readCommand(r *bufio.Reader) (string, error) {
	var cmd string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if cmd != "" {
				return cmd, nil
			}
			continue
		}
		if cmd == "" {
			cmd = line
		}
	}
}

func commandReply(text string) string {
	return "Content-Type: command/reply\nReply-Text: " + text + "\n\n"
}

func apiResponse(body string) string {
	return fmt.Sprintf("Content-Type: api/response\nContent-Length: %d\n\n%s", len(body), body)
}

func plainEvent(headers string) string {
	return fmt.Sprintf("Content-Length: %d\nContent-Type: text/event-plain\n\n%s", len(headers), headers)
}

func TestDial_ErrRepliesKeepChannelOpen(t *testing.T) {
	s := startFakeSwitch(t, func(cmd string) string {
		switch {
		case cmd == "api uuid_bridge a b":
			return apiResponse("-ERR Invalid uuid a\n")
		case cmd == "api status":
			// событие перед ответом доходит до слушателей
			return plainEvent("Event-Name: HEARTBEAT\nCore-UUID: core-1\n\n") + apiResponse("UP 0 years\n")
		case strings.HasPrefix(cmd, "filter "):
			return commandReply("-ERR invalid filter")
		default:
			return commandReply("+OK")
		}
	})

	conn, err := esl.Dial(s.ln.Addr().String(), "ClueCon")
	require.NoError(t, err)
	ch := esl.NewChannel(conn, logger.NoOpLogger{})
	defer ch.Close()

	var mu sync.Mutex
	var cores []string
	ch.On(esl.EventHeartbeat, func(ev *esl.Event) {
		mu.Lock()
		cores = append(cores, ev.Get("Core-UUID"))
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		body, err := ch.API(ctx, "uuid_bridge a b")
		require.NoError(t, err)
		assert.Equal(t, "-ERR Invalid uuid a", strings.TrimSpace(body))

		err = ch.Filter(ctx, "Unique-ID", "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid filter")

		body, err = ch.API(ctx, "status")
		require.NoError(t, err)
		assert.Equal(t, "UP 0 years\n", body)

		require.NoError(t, ch.Subscribe(ctx, "HEARTBEAT"))
	}

	select {
	case <-ch.Done():
		t.Fatalf("канал закрыт: %v", ch.Err())
	default:
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cores) == 10
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "core-1", cores[0])
	mu.Unlock()

	s.hangup()
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("канал не закрыт после разрыва соединения")
	}
	assert.ErrorIs(t, ch.Err(), esl.ErrClosed)
}
