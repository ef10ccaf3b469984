package handler

import (
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"strings"
)

// messageBodyLimit bounds how much of an embedded message/* body is handed
// to the rule engine. Only message-type bodies are truncated; text and
// multipart bodies are passed whole.
const messageBodyLimit = 1000

// decodeContent reverses the declared content-transfer-encoding. Anything
// other than quoted-printable and base64 passes through unchanged, as does
// content that fails to decode.
func decodeContent(data, encoding string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(strings.NewReader(data)))
		if err != nil {
			return data
		}
		return string(decoded)
	case "base64":
		compact := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\r', '\n':
				return -1
			}
			return r
		}, data)
		decoded, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			return data
		}
		return string(decoded)
	default:
		return data
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
