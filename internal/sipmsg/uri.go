package sipmsg

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// URI is a parsed SIP or SIPS URI (RFC 3261 §19.1).
type URI struct {
	Secure     bool
	User       string
	Password   string
	Host       string
	Port       int
	Params     map[string]string
	Headers    map[string]string
	paramOrder []string
}

// NewURI builds a bare sip: URI for the given user/host.
func NewURI(user, host string) *URI {
	return &URI{User: user, Host: host, Params: map[string]string{}, Headers: map[string]string{}}
}

// ParseURI parses a SIP/SIPS URI, including the `;lr` and `tag` parameters
// the dialog and transaction layers depend on.
func ParseURI(raw string) (*URI, error) {
	raw = strings.TrimSpace(raw)
	// Strip name-addr angle brackets if present.
	if i := strings.IndexByte(raw, '<'); i >= 0 {
		if j := strings.LastIndexByte(raw, '>'); j > i {
			raw = raw[i+1 : j]
		}
	}

	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing scheme in %q", ErrMalformedURI, raw)
	}
	u := &URI{Params: map[string]string{}, Headers: map[string]string{}}
	switch strings.ToLower(scheme) {
	case "sip":
		u.Secure = false
	case "sips":
		u.Secure = true
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedURI, scheme)
	}

	headerPart := ""
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		headerPart = rest[i+1:]
		rest = rest[:i]
	}

	paramPart := ""
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		paramPart = rest[i+1:]
		rest = rest[:i]
	}

	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		userinfo := rest[:at]
		rest = rest[at+1:]
		if c := strings.IndexByte(userinfo, ':'); c >= 0 {
			u.User = userinfo[:c]
			u.Password = userinfo[c+1:]
		} else {
			u.User = userinfo
		}
	}

	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated IPv6 literal", ErrMalformedURI)
		}
		u.Host = rest[1:end]
		if end+1 < len(rest) && rest[end+1] == ':' {
			port, err := strconv.Atoi(rest[end+2:])
			if err != nil {
				return nil, fmt.Errorf("%w: bad port", ErrMalformedURI)
			}
			u.Port = port
		}
	} else if c := strings.LastIndexByte(rest, ':'); c >= 0 {
		u.Host = rest[:c]
		port, err := strconv.Atoi(rest[c+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: bad port", ErrMalformedURI)
		}
		u.Port = port
	} else {
		u.Host = rest
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrMalformedURI)
	}

	if paramPart != "" {
		for _, p := range strings.Split(paramPart, ";") {
			if p == "" {
				continue
			}
			if k, v, ok := strings.Cut(p, "="); ok {
				u.SetParam(k, v)
			} else {
				u.SetParam(p, "")
			}
		}
	}
	if headerPart != "" {
		for _, h := range strings.Split(headerPart, "&") {
			if k, v, ok := strings.Cut(h, "="); ok {
				u.Headers[k] = v
			}
		}
	}

	return u, nil
}

// SetParam sets a URI parameter, preserving first-seen order for String().
func (u *URI) SetParam(name, value string) {
	if _, exists := u.Params[name]; !exists {
		u.paramOrder = append(u.paramOrder, name)
	}
	u.Params[name] = value
}

// HasLR reports whether this URI carries the `;lr` loose-routing marker.
func (u *URI) HasLR() bool {
	_, ok := u.Params["lr"]
	return ok
}

// Tag is shorthand for Params["tag"].
func (u *URI) Tag() string { return u.Params["tag"] }

// Clone deep-copies the URI.
func (u *URI) Clone() *URI {
	c := &URI{Secure: u.Secure, User: u.User, Password: u.Password, Host: u.Host, Port: u.Port}
	c.Params = make(map[string]string, len(u.Params))
	c.paramOrder = append([]string(nil), u.paramOrder...)
	for k, v := range u.Params {
		c.Params[k] = v
	}
	c.Headers = make(map[string]string, len(u.Headers))
	for k, v := range u.Headers {
		c.Headers[k] = v
	}
	return c
}

func (u *URI) String() string {
	var sb strings.Builder
	if u.Secure {
		sb.WriteString("sips:")
	} else {
		sb.WriteString("sip:")
	}
	if u.User != "" {
		sb.WriteString(u.User)
		if u.Password != "" {
			sb.WriteByte(':')
			sb.WriteString(u.Password)
		}
		sb.WriteByte('@')
	}
	if strings.Contains(u.Host, ":") {
		sb.WriteByte('[')
		sb.WriteString(u.Host)
		sb.WriteByte(']')
	} else {
		sb.WriteString(u.Host)
	}
	if u.Port > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(u.Port))
	}
	for _, name := range u.paramOrder {
		sb.WriteByte(';')
		sb.WriteString(name)
		if v := u.Params[name]; v != "" {
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	if len(u.Headers) > 0 {
		sb.WriteByte('?')
		keys := make([]string, 0, len(u.Headers))
		for k := range u.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(u.Headers[k])
		}
	}
	return sb.String()
}

// NameAddr renders a `"display" <uri>;params` address value, as used in
// From/To/Contact/Route/Record-Route headers.
func NameAddr(display string, uri *URI, params map[string]string) string {
	var sb strings.Builder
	if display != "" {
		sb.WriteByte('"')
		sb.WriteString(display)
		sb.WriteString("\" ")
	}
	sb.WriteByte('<')
	sb.WriteString(uri.String())
	sb.WriteByte('>')
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte(';')
		sb.WriteString(k)
		if v := params[k]; v != "" {
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}
