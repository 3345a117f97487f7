// Package mrf управляет медиа ресурсами FreeSWITCH через event socket:
// создание endpoint по паре SIP диалог + outbound соединение,
// воспроизведение, запись, сбор DTMF и конференции.
package mrf

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arzzra/fsmrf/pkg/logger"
	"github.com/arzzra/fsmrf/pkg/signaling"
)

// Config общие параметры всех медиа серверов
type Config struct {
	// CustomEvents CUSTOM события, на которые подписывается каждый endpoint
	CustomEvents []string
	// MatchTimeout время ожидания второй половины соединения
	MatchTimeout time.Duration
	Metrics      MetricsConfig
}

// Mrf точка входа: набор подключенных медиа серверов
type Mrf struct {
	client signaling.Client
	cfg    Config

	mu      sync.Mutex
	servers []*MediaServer

	log logger.StructuredLogger
}

// New создает Mrf, отправляющий INVITE через client
func New(client signaling.Client, cfg Config, log logger.StructuredLogger) *Mrf {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsConfig().Namespace
	}
	return &Mrf{client: client, cfg: cfg, log: log.WithComponent("mrf")}
}

// Connect подключается к медиа серверу. Незаданные параметры берутся
// из DefaultMediaServerConfig, адрес приема по умолчанию первый внешний IPv4.
func (m *Mrf) Connect(ctx context.Context, cfg MediaServerConfig) (*MediaServer, error) {
	if cfg.Address == "" {
		return nil, InvalidArgument("не указан адрес медиа сервера")
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = localAddress()
	}
	if cfg.AdvertisedAddress == "" && cfg.ListenAddress == "0.0.0.0" {
		cfg.AdvertisedAddress = localAddress()
	}
	if len(cfg.CustomEvents) == 0 {
		cfg.CustomEvents = m.cfg.CustomEvents
	}
	if cfg.MatchTimeout == 0 {
		cfg.MatchTimeout = m.cfg.MatchTimeout
	}
	if cfg.Metrics.Registerer == nil && cfg.Metrics.Namespace == "" {
		cfg.Metrics = m.cfg.Metrics
	}

	m.mu.Lock()
	for _, ms := range m.servers {
		if ms.Address() == cfg.Address && ms.Connected() {
			m.mu.Unlock()
			return nil, InvalidArgument("медиа сервер %s уже подключен", cfg.Address)
		}
	}
	m.mu.Unlock()

	ms, err := ConnectMediaServer(ctx, cfg, m.client, m.log)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.servers = append(m.servers, ms)
	m.mu.Unlock()
	return ms, nil
}

// MediaServers подключенные медиа серверы
func (m *Mrf) MediaServers() []*MediaServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MediaServer(nil), m.servers...)
}

// Close отключается от всех медиа серверов
func (m *Mrf) Close() error {
	m.mu.Lock()
	servers := m.servers
	m.servers = nil
	m.mu.Unlock()

	var g errgroup.Group
	for _, ms := range servers {
		g.Go(ms.Disconnect)
	}
	return g.Wait()
}

// localAddress первый не loopback IPv4 адрес хоста
func localAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "0.0.0.0"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "0.0.0.0"
}
