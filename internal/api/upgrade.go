package api

import (
	"net/url"
	"strings"
)

// EndpointKind classifies an upgrade request path.
type EndpointKind int

const (
	// EndpointNone means the path matches neither websocket endpoint and
	// should fall through to the HTTP router untouched.
	EndpointNone EndpointKind = iota
	EndpointChat
	EndpointDoc
)

// UpgradeRouter decides, from the request path alone, whether an incoming
// connection is a chat socket, a document socket, or neither. Chat matches
// the configured path exactly; document sockets match by prefix, with the
// remainder of the path naming the document.
type UpgradeRouter struct {
	chatPath      string
	docPathPrefix string
}

func NewUpgradeRouter(chatPath, docPathPrefix string) *UpgradeRouter {
	return &UpgradeRouter{
		chatPath:      chatPath,
		docPathPrefix: strings.TrimSuffix(docPathPrefix, "/"),
	}
}

// Route maps a raw request path to an endpoint kind and, for document
// endpoints, the normalized document name. Normalization trims leading and
// trailing slashes and percent-decodes the remainder, so "/ws/doc/a%20b/"
// and "/ws/doc/a b" name the same document. A doc-prefix path with an empty
// remainder is not a valid document endpoint.
func (u *UpgradeRouter) Route(path string) (EndpointKind, string) {
	if path == u.chatPath {
		return EndpointChat, ""
	}

	if strings.HasPrefix(path, u.docPathPrefix+"/") {
		name := strings.Trim(path[len(u.docPathPrefix):], "/")
		if name == "" {
			return EndpointNone, ""
		}
		if decoded, err := url.PathUnescape(name); err == nil {
			name = decoded
		}
		return EndpointDoc, name
	}

	return EndpointNone, ""
}
