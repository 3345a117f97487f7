package mrf

import (
	"strings"

	"github.com/pion/sdp/v3"
)

func parseSDP(s string) (*sdp.SessionDescription, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal([]byte(s)); err != nil {
		return nil, err
	}
	return sd, nil
}

func audioMedia(sd *sdp.SessionDescription) *sdp.MediaDescription {
	for _, media := range sd.MediaDescriptions {
		if media.MediaName.Media == "audio" {
			return media
		}
	}
	return nil
}

// IsSecureSDP проверяет, что аудио предлагается по UDP/TLS/RTP/SAVPF (DTLS-SRTP)
func IsSecureSDP(s string) bool {
	sd, err := parseSDP(s)
	if err != nil {
		return false
	}
	media := audioMedia(sd)
	if media == nil {
		return false
	}
	return strings.Join(media.MediaName.Protos, "/") == "UDP/TLS/RTP/SAVPF"
}

// RequiresDtlsHandshake проверяет, что аудио использует SAVP профиль.
// Такой SDP нельзя передать в CreateEndpoint, нужен ConnectCaller.
func RequiresDtlsHandshake(s string) bool {
	sd, err := parseSDP(s)
	if err != nil {
		return false
	}
	media := audioMedia(sd)
	if media == nil {
		return false
	}
	for _, proto := range media.MediaName.Protos {
		if strings.HasPrefix(proto, "SAVP") {
			return true
		}
	}
	return false
}

// MediaAddress адрес и порт аудио потока из SDP
func MediaAddress(s string) (string, int, bool) {
	sd, err := parseSDP(s)
	if err != nil {
		return "", 0, false
	}
	media := audioMedia(sd)
	if media == nil {
		return "", 0, false
	}

	conn := media.ConnectionInformation
	if conn == nil {
		conn = sd.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return "", 0, false
	}
	return conn.Address.Address, media.MediaName.Port.Value, true
}

// ModifySdpCodecOrder переставляет форматы каждого медиа потока так, чтобы
// кодеки из codecs шли первыми в указанном порядке. Имена кодеков
// сравниваются без учета регистра с rtpmap. Остальные форматы сохраняют
// исходный порядок.
func ModifySdpCodecOrder(s string, codecs []string) (string, error) {
	if len(codecs) == 0 {
		return s, nil
	}
	sd, err := parseSDP(s)
	if err != nil {
		return "", InvalidArgument("некорректный SDP: %v", err)
	}

	rank := make(map[string]int, len(codecs))
	for i, c := range codecs {
		rank[strings.ToUpper(c)] = i
	}

	for _, media := range sd.MediaDescriptions {
		names := codecNames(media)

		preferred := make([][]string, len(codecs))
		var rest []string
		for _, format := range media.MediaName.Formats {
			if i, ok := rank[names[format]]; ok {
				preferred[i] = append(preferred[i], format)
				continue
			}
			rest = append(rest, format)
		}

		formats := make([]string, 0, len(media.MediaName.Formats))
		for _, group := range preferred {
			formats = append(formats, group...)
		}
		media.MediaName.Formats = append(formats, rest...)
	}

	out, err := sd.Marshal()
	if err != nil {
		return "", InvalidArgument("некорректный SDP: %v", err)
	}
	return string(out), nil
}

// codecNames payload type -> имя кодека в верхнем регистре из rtpmap
func codecNames(media *sdp.MediaDescription) map[string]string {
	names := make(map[string]string)
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		parts := strings.SplitN(attr.Value, " ", 2)
		if len(parts) != 2 {
			continue
		}
		codec := strings.SplitN(parts[1], "/", 2)[0]
		names[parts[0]] = strings.ToUpper(codec)
	}

	// Статические payload types без rtpmap
	for pt, name := range map[string]string{"0": "PCMU", "8": "PCMA", "9": "G722", "18": "G729"} {
		if _, ok := names[pt]; !ok {
			names[pt] = name
		}
	}
	return names
}
