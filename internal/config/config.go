// Package config загружает настройки mrf_conference из ini файла
// и переопределения из командной строки.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"

	"github.com/arzzra/fsmrf/pkg/logger"
	"github.com/arzzra/fsmrf/pkg/mrf"
	"github.com/arzzra/fsmrf/pkg/signaling"
)

// FreeSWITCH секция [freeswitch]
type FreeSWITCH struct {
	Address           string
	Port              int
	Secret            string
	Profile           string
	ListenAddress     string
	ListenPort        int
	AdvertisedAddress string
	AdvertisedPort    int
	MatchTimeout      time.Duration
	CustomEvents      []string
}

// SIP секция [sip]
type SIP struct {
	Host      string
	Port      int
	Transport string
	UserAgent string
}

// Logging секция [logging]
type Logging struct {
	Level string
	JSON  bool
	// File путь к файлу журнала, пустой только stdout
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// Metrics секция [metrics]
type Metrics struct {
	Enabled   bool
	Listen    string
	Namespace string
}

// Conference секция [conference]
type Conference struct {
	Name       string
	Profile    string
	Pin        string
	Flags      []string
	MaxMembers int
	Prompts    []string
	RecordFile string
	// AcceptCalls подключать входящие вызовы к конференции
	AcceptCalls bool
}

// Config настройки приложения
type Config struct {
	FreeSWITCH FreeSWITCH
	SIP        SIP
	Logging    Logging
	Metrics    Metrics
	Conference Conference
}

// Default настройки по умолчанию
func Default() *Config {
	ms := mrf.DefaultMediaServerConfig()
	sip := signaling.DefaultConfig()
	return &Config{
		FreeSWITCH: FreeSWITCH{
			Address:       "127.0.0.1",
			Port:          ms.Port,
			Secret:        ms.Secret,
			Profile:       ms.Profile,
			ListenAddress: ms.ListenAddress,
			ListenPort:    ms.ListenPort,
			MatchTimeout:  ms.MatchTimeout,
		},
		SIP: SIP{
			Host:      sip.Host,
			Port:      sip.Port,
			Transport: sip.Transport,
			UserAgent: sip.UserAgent,
		},
		Logging: Logging{
			Level:      "info",
			JSON:       true,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
		Metrics: Metrics{
			Enabled:   true,
			Listen:    ":9090",
			Namespace: mrf.DefaultMetricsConfig().Namespace,
		},
		Conference: Conference{
			AcceptCalls: true,
		},
	}
}

// FromINI читает настройки из ini файла поверх значений по умолчанию
func FromINI(file *ini.File) *Config {
	c := Default()

	sec := file.Section("freeswitch")
	c.FreeSWITCH.Address = sec.Key("address").MustString(c.FreeSWITCH.Address)
	c.FreeSWITCH.Port = sec.Key("port").MustInt(c.FreeSWITCH.Port)
	c.FreeSWITCH.Secret = sec.Key("secret").MustString(c.FreeSWITCH.Secret)
	c.FreeSWITCH.Profile = sec.Key("profile").MustString(c.FreeSWITCH.Profile)
	c.FreeSWITCH.ListenAddress = sec.Key("listen_address").MustString(c.FreeSWITCH.ListenAddress)
	c.FreeSWITCH.ListenPort = sec.Key("listen_port").MustInt(c.FreeSWITCH.ListenPort)
	c.FreeSWITCH.AdvertisedAddress = sec.Key("advertised_address").String()
	c.FreeSWITCH.AdvertisedPort = sec.Key("advertised_port").MustInt(0)
	c.FreeSWITCH.MatchTimeout = sec.Key("match_timeout").MustDuration(c.FreeSWITCH.MatchTimeout)
	c.FreeSWITCH.CustomEvents = sec.Key("custom_events").Strings(",")

	sec = file.Section("sip")
	c.SIP.Host = sec.Key("host").MustString(c.SIP.Host)
	c.SIP.Port = sec.Key("port").MustInt(c.SIP.Port)
	c.SIP.Transport = sec.Key("transport").MustString(c.SIP.Transport)
	c.SIP.UserAgent = sec.Key("user_agent").MustString(c.SIP.UserAgent)

	sec = file.Section("logging")
	c.Logging.Level = sec.Key("level").MustString(c.Logging.Level)
	c.Logging.JSON = sec.Key("json").MustBool(c.Logging.JSON)
	c.Logging.File = sec.Key("file").String()
	c.Logging.MaxSize = sec.Key("max_size").MustInt(c.Logging.MaxSize)
	c.Logging.MaxBackups = sec.Key("max_backups").MustInt(c.Logging.MaxBackups)
	c.Logging.MaxAge = sec.Key("max_age").MustInt(c.Logging.MaxAge)
	c.Logging.Compress = sec.Key("compress").MustBool(false)

	sec = file.Section("metrics")
	c.Metrics.Enabled = sec.Key("enabled").MustBool(c.Metrics.Enabled)
	c.Metrics.Listen = sec.Key("listen").MustString(c.Metrics.Listen)
	c.Metrics.Namespace = sec.Key("namespace").MustString(c.Metrics.Namespace)

	sec = file.Section("conference")
	c.Conference.Name = sec.Key("name").String()
	c.Conference.Profile = sec.Key("profile").String()
	c.Conference.Pin = sec.Key("pin").String()
	c.Conference.Flags = sec.Key("flags").Strings(",")
	c.Conference.MaxMembers = sec.Key("max_members").MustInt(0)
	c.Conference.Prompts = sec.Key("prompts").Strings(",")
	c.Conference.RecordFile = sec.Key("record_file").String()
	c.Conference.AcceptCalls = sec.Key("accept_calls").MustBool(c.Conference.AcceptCalls)

	return c
}

// Load разбирает аргументы командной строки, читает ini файл из --config
// и применяет явно заданные флаги поверх него.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("mrf_conference", pflag.ContinueOnError)

	var (
		path        = fs.StringP("config", "c", "", "путь к ini файлу")
		fsAddress   = fs.String("fs-address", "", "адрес event socket FreeSWITCH")
		fsPort      = fs.Int("fs-port", 0, "порт event socket FreeSWITCH")
		fsSecret    = fs.String("fs-secret", "", "пароль event socket")
		listen      = fs.String("listen", "", "адрес приема outbound соединений host:port")
		advertise   = fs.String("advertise", "", "адрес для X-esl-outbound host:port")
		sipHost     = fs.String("sip-host", "", "адрес SIP агента")
		sipPort     = fs.Int("sip-port", 0, "порт SIP агента")
		logLevel    = fs.StringP("log-level", "l", "", "уровень логирования")
		logFile     = fs.String("log-file", "", "файл журнала")
		metricsAddr = fs.String("metrics-listen", "", "адрес HTTP сервера /metrics")
		confName    = fs.String("conference", "", "имя конференции")
		prompts     = fs.StringSlice("play", nil, "файлы для воспроизведения в конференцию")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	c := Default()
	if *path != "" {
		file, err := ini.Load(*path)
		if err != nil {
			return nil, fmt.Errorf("чтение %s: %w", *path, err)
		}
		c = FromINI(file)
	}

	var errs []error
	if fs.Changed("fs-address") {
		c.FreeSWITCH.Address = *fsAddress
	}
	if fs.Changed("fs-port") {
		c.FreeSWITCH.Port = *fsPort
	}
	if fs.Changed("fs-secret") {
		c.FreeSWITCH.Secret = *fsSecret
	}
	if fs.Changed("listen") {
		host, port, err := splitHostPort(*listen)
		if err != nil {
			errs = append(errs, fmt.Errorf("--listen: %w", err))
		}
		c.FreeSWITCH.ListenAddress, c.FreeSWITCH.ListenPort = host, port
	}
	if fs.Changed("advertise") {
		host, port, err := splitHostPort(*advertise)
		if err != nil {
			errs = append(errs, fmt.Errorf("--advertise: %w", err))
		}
		c.FreeSWITCH.AdvertisedAddress, c.FreeSWITCH.AdvertisedPort = host, port
	}
	if fs.Changed("sip-host") {
		c.SIP.Host = *sipHost
	}
	if fs.Changed("sip-port") {
		c.SIP.Port = *sipPort
	}
	if fs.Changed("log-level") {
		c.Logging.Level = *logLevel
	}
	if fs.Changed("log-file") {
		c.Logging.File = *logFile
	}
	if fs.Changed("metrics-listen") {
		c.Metrics.Listen = *metricsAddr
	}
	if fs.Changed("conference") {
		c.Conference.Name = *confName
	}
	if fs.Changed("play") {
		c.Conference.Prompts = *prompts
	}

	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

func splitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("некорректный порт %q", portStr)
	}
	return host, port, nil
}

// Validate проверяет настройки и возвращает все найденные ошибки сразу
func (c *Config) Validate() error {
	var errs []error
	if c.FreeSWITCH.Address == "" {
		errs = append(errs, errors.New("freeswitch.address не задан"))
	}
	if !validPort(c.FreeSWITCH.Port) {
		errs = append(errs, fmt.Errorf("freeswitch.port вне диапазона: %d", c.FreeSWITCH.Port))
	}
	if !validPort(c.FreeSWITCH.ListenPort) {
		errs = append(errs, fmt.Errorf("freeswitch.listen_port вне диапазона: %d", c.FreeSWITCH.ListenPort))
	}
	if c.FreeSWITCH.AdvertisedPort != 0 && !validPort(c.FreeSWITCH.AdvertisedPort) {
		errs = append(errs, fmt.Errorf("freeswitch.advertised_port вне диапазона: %d", c.FreeSWITCH.AdvertisedPort))
	}
	if c.FreeSWITCH.MatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("freeswitch.match_timeout должен быть положительным: %s", c.FreeSWITCH.MatchTimeout))
	}
	if !validPort(c.SIP.Port) {
		errs = append(errs, fmt.Errorf("sip.port вне диапазона: %d", c.SIP.Port))
	}
	switch strings.ToLower(c.SIP.Transport) {
	case "udp", "tcp":
	default:
		errs = append(errs, fmt.Errorf("sip.transport: неподдерживаемый транспорт %q", c.SIP.Transport))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen не задан"))
	}
	if c.Conference.MaxMembers < 0 {
		errs = append(errs, fmt.Errorf("conference.max_members отрицательный: %d", c.Conference.MaxMembers))
	}
	return errors.Join(errs...)
}

func validPort(p int) bool { return p > 0 && p < 65536 }

// LogLevel уровень логирования для pkg/logger
func (c *Config) LogLevel() logger.LogLevel {
	return logger.ParseLevel(strings.ToUpper(c.Logging.Level))
}

// MrfConfig общие параметры mrf с регистратором метрик reg
func (c *Config) MrfConfig(reg prometheus.Registerer) mrf.Config {
	return mrf.Config{
		CustomEvents: c.FreeSWITCH.CustomEvents,
		MatchTimeout: c.FreeSWITCH.MatchTimeout,
		Metrics:      mrf.MetricsConfig{Registerer: reg, Namespace: c.Metrics.Namespace},
	}
}

// MediaServerConfig параметры подключения к FreeSWITCH
func (c *Config) MediaServerConfig() mrf.MediaServerConfig {
	return mrf.MediaServerConfig{
		Address:           c.FreeSWITCH.Address,
		Port:              c.FreeSWITCH.Port,
		Secret:            c.FreeSWITCH.Secret,
		ListenAddress:     c.FreeSWITCH.ListenAddress,
		ListenPort:        c.FreeSWITCH.ListenPort,
		AdvertisedAddress: c.FreeSWITCH.AdvertisedAddress,
		AdvertisedPort:    c.FreeSWITCH.AdvertisedPort,
		Profile:           c.FreeSWITCH.Profile,
		MatchTimeout:      c.FreeSWITCH.MatchTimeout,
		CustomEvents:      c.FreeSWITCH.CustomEvents,
	}
}

// SignalingConfig параметры SIP агента
func (c *Config) SignalingConfig() signaling.Config {
	return signaling.Config{
		Host:      c.SIP.Host,
		Port:      c.SIP.Port,
		Transport: strings.ToLower(c.SIP.Transport),
		UserAgent: c.SIP.UserAgent,
	}
}

// ConferenceOptions параметры создания конференции
func (c *Config) ConferenceOptions() mrf.ConferenceOptions {
	return mrf.ConferenceOptions{
		Profile:    c.Conference.Profile,
		Pin:        c.Conference.Pin,
		Flags:      c.Conference.Flags,
		MaxMembers: c.Conference.MaxMembers,
	}
}
