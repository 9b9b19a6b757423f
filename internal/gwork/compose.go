package gwork

import (
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
)

// buildRawMessage はOutgoingMessageからRFC 5322形式のメッセージを組み立て、
// Gmail APIが要求するbase64url文字列として返す。
func buildRawMessage(out *OutgoingMessage) string {
	var b strings.Builder

	writeHeader(&b, "From", out.From)
	writeHeader(&b, "To", out.To)
	if len(out.Cc) > 0 {
		writeHeader(&b, "Cc", strings.Join(out.Cc, ", "))
	}
	if len(out.Bcc) > 0 {
		writeHeader(&b, "Bcc", strings.Join(out.Bcc, ", "))
	}
	writeHeader(&b, "Subject", encodeSubject(out.Subject))
	if out.InReplyTo != "" {
		writeHeader(&b, "In-Reply-To", out.InReplyTo)
	}
	if out.References != "" {
		writeHeader(&b, "References", out.References)
	}
	writeHeader(&b, "MIME-Version", "1.0")
	writeHeader(&b, "Content-Type", `text/html; charset="UTF-8"`)
	writeHeader(&b, "Content-Transfer-Encoding", "base64")
	b.WriteString("\r\n")
	b.WriteString(base64.StdEncoding.EncodeToString([]byte(out.HTMLBody)))

	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

func writeHeader(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "%s: %s\r\n", name, value)
}

// encodeSubject は非ASCII文字を含む件名をRFC 2047でエンコードする。
func encodeSubject(subject string) string {
	if isASCII(subject) {
		return subject
	}
	return mime.BEncoding.Encode("UTF-8", subject)
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}
