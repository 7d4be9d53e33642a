// Package eml splits raw .eml content into annotatable sections: a headers
// section followed by each decoded text/* MIME leaf. Section content is
// carriage-return-stripped so offsets match what browsers count against the
// rendered text.
package eml

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/net/html/charset"
)

const (
	TypeHeaders   = "HEADERS"
	TypeTextPlain = "TEXT_PLAIN"
	TypeTextHTML  = "TEXT_HTML"
)

// Section is one annotatable unit of an email. Charset, TransferEncoding and
// MIMEPath describe the original part so a de-identified copy can be
// reassembled in place.
type Section struct {
	Index            int    `json:"index"`
	Type             string `json:"type"`
	Label            string `json:"label"`
	Content          string `json:"content"`
	Charset          string `json:"charset"`
	TransferEncoding string `json:"transferEncoding"`
	MIMEPath         []int  `json:"mimePath"`
}

type headerGetter interface {
	Get(key string) string
}

// ExtractSections parses raw .eml content. Section 0 is always the headers
// (everything before the first blank line); sections 1+ are the decoded
// text/* body parts in MIME tree order. Non-text parts (images, attachments)
// are skipped. A body that cannot be parsed still yields the headers section.
func ExtractSections(raw string) []Section {
	sections := []Section{{
		Index:            0,
		Type:             TypeHeaders,
		Label:            "Email Headers",
		Content:          extractHeaders(raw),
		Charset:          "utf-8",
		TransferEncoding: "7bit",
	}}

	msg, err := mail.ReadMessage(strings.NewReader(raw))
	if err != nil {
		return sections
	}
	var body []Section
	walkPart(msg.Header, msg.Body, nil, &body)
	for i := range body {
		body[i].Index = i + 1
		sections = append(sections, body[i])
	}
	return sections
}

// extractHeaders returns everything before the first blank line with \r
// stripped. Content without a blank line is treated as all headers.
func extractHeaders(raw string) string {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if pos := strings.Index(raw, sep); pos != -1 {
			return strings.ReplaceAll(raw[:pos], "\r", "")
		}
	}
	return strings.ReplaceAll(raw, "\r", "")
}

func walkPart(header headerGetter, body io.Reader, path []int, out *[]Section) {
	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil || mediaType == "" {
		// RFC 2045 default.
		mediaType, params = "text/plain", map[string]string{"charset": "us-ascii"}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return
		}
		mr := multipart.NewReader(body, boundary)
		for i := 0; ; i++ {
			part, err := mr.NextPart()
			if err != nil {
				return
			}
			childPath := append(append([]int(nil), path...), i)
			walkPart(part.Header, part, childPath, out)
		}
	}

	if !strings.HasPrefix(mediaType, "text/") {
		return
	}

	cte := strings.ToLower(strings.TrimSpace(header.Get("Content-Transfer-Encoding")))
	if cte == "" {
		cte = "7bit"
	}
	cs := params["charset"]
	if cs == "" {
		cs = "utf-8"
	}

	decoded, err := decodePayload(body, cte, cs)
	if err != nil {
		return
	}
	content := strings.ReplaceAll(decoded, "\r", "")

	sectionType, label := sectionTypeAndLabel(mediaType)
	existing := 0
	for _, s := range *out {
		if s.Type == sectionType {
			existing++
		}
	}
	if existing > 0 {
		label = fmt.Sprintf("%s (%d)", label, existing+1)
	}

	*out = append(*out, Section{
		Type:             sectionType,
		Label:            label,
		Content:          content,
		Charset:          cs,
		TransferEncoding: cte,
		MIMEPath:         path,
	})
}

func decodePayload(body io.Reader, cte, cs string) (string, error) {
	var r io.Reader
	switch cte {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, body)
	case "quoted-printable":
		r = quotedprintable.NewReader(body)
	default:
		r = body
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decode %s payload: %w", cte, err)
	}
	decoded, err := charset.NewReaderLabel(cs, bytes.NewReader(raw))
	if err != nil {
		// Unknown charset: pass bytes through as-is.
		return string(raw), nil
	}
	text, err := io.ReadAll(decoded)
	if err != nil {
		return string(raw), nil
	}
	return string(text), nil
}

func sectionTypeAndLabel(mediaType string) (string, string) {
	switch mediaType {
	case "text/plain":
		return TypeTextPlain, "Text Body"
	case "text/html":
		return TypeTextHTML, "HTML Body"
	}
	sub := mediaType[strings.Index(mediaType, "/")+1:]
	return "TEXT_" + strings.ToUpper(sub), mediaType + " Body"
}
