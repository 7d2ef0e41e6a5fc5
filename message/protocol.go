package message

import (
	"mime"
	"sort"
	"strconv"
	"strings"
)

// MessageProtocol describes the wire encoding of a message: its content type,
// charset and version. An empty field means "not specified".
//
// The same type is used to declare what a party is sending (the request's
// Content-Type) and what it is willing to receive (each entry of Accept).
type MessageProtocol struct {
	ContentType string
	Charset     string
	Version     string
}

// WithContentType returns a copy of p with the content type replaced.
func (p MessageProtocol) WithContentType(contentType string) MessageProtocol {
	p.ContentType = contentType
	return p
}

// WithCharset returns a copy of p with the charset replaced.
func (p MessageProtocol) WithCharset(charset string) MessageProtocol {
	p.Charset = charset
	return p
}

// WithVersion returns a copy of p with the version replaced.
func (p MessageProtocol) WithVersion(version string) MessageProtocol {
	p.Version = version
	return p
}

// IsText reports whether the payload is textual and must be read with Charset.
func (p MessageProtocol) IsText() bool {
	return p.Charset != ""
}

// IsUTF8 reports whether the charset is UTF-8.
func (p MessageProtocol) IsUTF8() bool {
	return strings.EqualFold(p.Charset, "utf-8") || strings.EqualFold(p.Charset, "utf8")
}

// IsZero reports whether no field is set.
func (p MessageProtocol) IsZero() bool {
	return p == MessageProtocol{}
}

// Matches reports whether a concrete protocol satisfies p when p is used as an
// accept entry. An empty content type, "*/*" and "type/*" act as wildcards.
func (p MessageProtocol) Matches(concrete MessageProtocol) bool {
	switch {
	case p.ContentType == "" || p.ContentType == "*/*":
	case strings.HasSuffix(p.ContentType, "/*"):
		prefix := strings.TrimSuffix(p.ContentType, "*")
		if !strings.HasPrefix(strings.ToLower(concrete.ContentType), strings.ToLower(prefix)) {
			return false
		}
	default:
		if !strings.EqualFold(p.ContentType, concrete.ContentType) {
			return false
		}
	}
	if p.Version != "" && concrete.Version != "" && p.Version != concrete.Version {
		return false
	}
	return true
}

// String renders p as a Content-Type header value, e.g.
// "application/json; charset=utf-8".
func (p MessageProtocol) String() string {
	if p.ContentType == "" {
		return ""
	}
	params := map[string]string{}
	if p.Charset != "" {
		params["charset"] = p.Charset
	}
	if p.Version != "" {
		params["version"] = p.Version
	}
	if s := mime.FormatMediaType(p.ContentType, params); s != "" {
		return s
	}
	return p.ContentType
}

// ParseMessageProtocol parses a Content-Type header value. An empty header
// yields the zero protocol.
func ParseMessageProtocol(header string) (MessageProtocol, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return MessageProtocol{}, nil
	}
	mediaType, params, err := mime.ParseMediaType(header)
	if err != nil {
		return MessageProtocol{}, err
	}
	return MessageProtocol{
		ContentType: mediaType,
		Charset:     params["charset"],
		Version:     params["version"],
	}, nil
}

// ParseAccept parses an Accept header into protocols ordered by descending
// q weight. Entries with equal weight keep their header order; malformed
// entries are skipped.
func ParseAccept(header string) []MessageProtocol {
	type weighted struct {
		protocol MessageProtocol
		q        float64
	}
	var entries []weighted
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mediaType, params, err := mime.ParseMediaType(part)
		if err != nil {
			continue
		}
		q := 1.0
		if raw, ok := params["q"]; ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				q = v
			}
		}
		if q <= 0 {
			continue
		}
		entries = append(entries, weighted{
			protocol: MessageProtocol{ContentType: mediaType, Charset: params["charset"], Version: params["version"]},
			q:        q,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].q > entries[j].q })

	accepted := make([]MessageProtocol, 0, len(entries))
	for _, e := range entries {
		accepted = append(accepted, e.protocol)
	}
	return accepted
}

// ContentTypes lists the content types of protocols, for messages and logs.
func ContentTypes(protocols []MessageProtocol) []string {
	out := make([]string, 0, len(protocols))
	for _, p := range protocols {
		out = append(out, p.ContentType)
	}
	return out
}
