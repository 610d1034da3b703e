package device

import (
	"strconv"
	"strings"
)

// Response is one decoded response frame. Keyed responses have the form
// KEY:value; anything else is a bare token.
type Response struct {
	Raw   string
	Key   string
	Value string
	Keyed bool
}

func ParseResponse(raw string) Response {
	raw = strings.TrimSpace(raw)
	key, value, ok := strings.Cut(raw, ":")
	if !ok {
		return Response{Raw: raw}
	}
	return Response{
		Raw:   raw,
		Key:   strings.TrimSpace(key),
		Value: strings.TrimSpace(value),
		Keyed: true,
	}
}

func (r Response) Empty() bool {
	return r.Raw == ""
}

// Int parses the value of a keyed response.
func (r Response) Int() (int, error) {
	return strconv.Atoi(r.Value)
}

// KeyIs matches keyed responses by key.
func KeyIs(key string) func(Response) bool {
	return func(r Response) bool {
		return r.Keyed && r.Key == key
	}
}

// TokenIs matches bare token responses.
func TokenIs(token string) func(Response) bool {
	return func(r Response) bool {
		return r.Raw == token
	}
}

// HasPrefix matches any response starting with prefix.
func HasPrefix(prefix string) func(Response) bool {
	return func(r Response) bool {
		return strings.HasPrefix(r.Raw, prefix)
	}
}

// NonEmpty matches any response with content.
func NonEmpty(r Response) bool {
	return !r.Empty()
}
