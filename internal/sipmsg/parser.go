package sipmsg

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	maxDatagramSize = 4096
	maxHeaders      = 64
	maxBodyLines    = 64
)

// Parser parses a single UDP payload into a Request, a Response, or a
// MalformedReject. Strict mode enforces RFC 3261 header syntax (no space
// before the colon); tolerant mode accepts common deviations seen on the
// wire and is the default for interop with real phones.
type Parser struct {
	Strict bool
}

func NewParser(strict bool) *Parser { return &Parser{Strict: strict} }

// Parse implements §4.1: normalize CRLF, tolerate bare LF, unfold
// continuation lines, resolve aliases, and locate the SDP body either
// directly or inside a multipart/mixed part.
func (p *Parser) Parse(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, reject(RejectUnknown, ErrEmptyMessage)
	}
	if len(data) > maxDatagramSize {
		return nil, reject(RejectTooLarge, ErrMessageTooLarge)
	}

	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))

	headerEnd := bytes.Index(normalized, []byte("\n\n"))
	if headerEnd == -1 {
		return nil, reject(RejectNoBoundary, ErrNoHeaderBoundary)
	}
	headerBlob := normalized[:headerEnd]
	body := normalized[headerEnd+2:]

	lines := p.unfold(bytes.Split(headerBlob, []byte("\n")))
	if len(lines) == 0 {
		return nil, reject(RejectBadStartLine, ErrBadStartLine)
	}

	startLine := strings.TrimSpace(string(lines[0]))
	hdrs, err := p.parseHeaders(lines[1:])
	if err != nil {
		return nil, err
	}

	// Content-Length counts the body octets as sent, so measure the raw
	// datagram's body: skip as many LFs as the normalized header block holds.
	rawBody := data
	for n := bytes.Count(normalized[:headerEnd+2], []byte("\n")); n > 0; n-- {
		rawBody = rawBody[bytes.IndexByte(rawBody, '\n')+1:]
	}
	if err := p.checkBodyLength(hdrs, rawBody); err != nil {
		return nil, err
	}
	if bodyLineCount(body) > maxBodyLines {
		return nil, reject(RejectTooManyBodyLines, ErrTooManyBodyLines)
	}

	body = extractSDPFromMultipart(hdrs, body)

	if strings.HasPrefix(startLine, "SIP/2.0") {
		return p.parseResponse(startLine, hdrs, body)
	}
	return p.parseRequest(startLine, hdrs, body)
}

// unfold implements the LWS continuation rule: a line beginning with space
// or tab is folded onto the previous header as a single space, when strict
// mode is enabled; tolerant mode always unfolds.
func (p *Parser) unfold(lines [][]byte) [][]byte {
	var out [][]byte
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(out) > 0 {
			folded := append(append([]byte{}, out[len(out)-1]...), ' ')
			folded = append(folded, bytes.TrimSpace(line)...)
			out[len(out)-1] = folded
			continue
		}
		out = append(out, line)
	}
	return out
}

func (p *Parser) parseHeaders(lines [][]byte) (*Headers, error) {
	if len(lines) > maxHeaders {
		return nil, reject(RejectTooManyHeaders, ErrTooManyHeaders)
	}
	hdrs := NewHeaders()
	for _, line := range lines {
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		rawName := line[:colon]
		if p.Strict && len(rawName) > 0 && (rawName[len(rawName)-1] == ' ' || rawName[len(rawName)-1] == '\t') {
			return nil, reject(RejectBadHeaderSyntax, ErrBadHeaderSyntax)
		}
		name := strings.TrimSpace(string(rawName))
		value := strings.TrimSpace(string(line[colon+1:]))
		if name == "" {
			continue
		}
		hdrs.Add(name, value)
	}
	if hdrs.Count() > maxHeaders {
		return nil, reject(RejectTooManyHeaders, ErrTooManyHeaders)
	}
	return hdrs, nil
}

func (p *Parser) checkBodyLength(hdrs *Headers, body []byte) error {
	cl := hdrs.Get(HeaderContentLength)
	if cl == "" {
		return nil
	}
	declared, err := strconv.Atoi(cl)
	if err != nil {
		return nil
	}
	// Tolerance: UDP datagrams are sometimes padded; allow declared <= actual.
	if declared > len(body) {
		return reject(RejectBodyLengthMismatch, ErrBodyLengthMismatch)
	}
	return nil
}

func bodyLineCount(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	return bytes.Count(body, []byte("\n")) + 1
}

func (p *Parser) parseRequest(startLine string, hdrs *Headers, body []byte) (*Request, error) {
	fields := strings.Fields(startLine)
	if len(fields) != 3 {
		return nil, reject(RejectBadStartLine, ErrBadStartLine)
	}
	method := strings.ToUpper(fields[0])
	uri, err := ParseURI(fields[1])
	if err != nil {
		return nil, reject(RejectBadRequestURI, fmt.Errorf("%w: %v", ErrBadRequestURI, err))
	}
	if !strings.HasPrefix(fields[2], "SIP/2.0") {
		return nil, reject(RejectBadStartLine, ErrBadStartLine)
	}

	if hdrs.Get(HeaderCSeq) == "" {
		return nil, reject(RejectMissingCSeq, ErrMissingCSeq)
	}
	if requiresDialog(method) && hdrs.Get(HeaderCallID) == "" {
		return nil, reject(RejectMissingCallID, ErrMissingCallID)
	}

	req := &Request{Method: method, RequestURI: uri, hdrs: hdrs, body: body}
	return req, nil
}

func (p *Parser) parseResponse(startLine string, hdrs *Headers, body []byte) (*Response, error) {
	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) < 2 {
		return nil, reject(RejectBadStartLine, ErrBadStartLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 699 {
		return nil, reject(RejectBadStartLine, ErrBadStartLine)
	}
	reason := ""
	if len(parts) > 2 {
		reason = parts[2]
	} else {
		reason = DefaultReasonPhrase(code)
	}
	return &Response{StatusCode: code, Reason: reason, hdrs: hdrs, body: body}, nil
}

// requiresDialog reports whether method needs a Call-ID to be well formed;
// per §4.1 this is stricter than "always required" only in that the check
// is skipped for nothing in practice, but kept distinct because some
// transports feed us keepalive datagrams with no headers at all.
func requiresDialog(method string) bool {
	switch method {
	case "INVITE", "ACK", "CANCEL", "BYE", "REGISTER", "OPTIONS", "SUBSCRIBE",
		"NOTIFY", "REFER", "MESSAGE", "INFO", "UPDATE", "PRACK", "PUBLISH":
		return true
	default:
		return false
	}
}

// extractSDPFromMultipart locates the application/sdp body either directly
// or inside a multipart/mixed part, per §4.1.
func extractSDPFromMultipart(hdrs *Headers, body []byte) []byte {
	ct := hdrs.Get(HeaderContentType)
	if strings.HasPrefix(strings.ToLower(ct), "application/sdp") {
		return body
	}
	if !strings.HasPrefix(strings.ToLower(ct), "multipart/mixed") {
		return body
	}
	boundary := boundaryParam(ct)
	if boundary == "" {
		return body
	}
	delim := []byte("--" + boundary)
	parts := bytes.Split(body, delim)
	for _, part := range parts {
		part = bytes.TrimLeft(part, "\r\n")
		sep := bytes.Index(part, []byte("\n\n"))
		if sep < 0 {
			continue
		}
		partHeaders := part[:sep]
		partBody := part[sep+2:]
		if bytes.Contains(bytes.ToLower(partHeaders), []byte("application/sdp")) {
			return bytes.TrimRight(partBody, "\r\n-")
		}
	}
	return body
}

func boundaryParam(contentType string) string {
	idx := strings.Index(strings.ToLower(contentType), "boundary=")
	if idx < 0 {
		return ""
	}
	v := contentType[idx+len("boundary="):]
	v = strings.Trim(v, `"`)
	if semi := strings.IndexByte(v, ';'); semi >= 0 {
		v = v[:semi]
	}
	return strings.TrimSpace(v)
}
