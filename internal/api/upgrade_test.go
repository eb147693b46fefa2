package api

import (
	"testing"
)

func TestUpgradeRouterRoute(t *testing.T) {
	router := NewUpgradeRouter("/ws/chat", "/ws/doc")

	tests := []struct {
		name     string
		path     string
		wantKind EndpointKind
		wantDoc  string
	}{
		{
			name:     "exact chat path",
			path:     "/ws/chat",
			wantKind: EndpointChat,
		},
		{
			name:     "chat path with suffix is not chat",
			path:     "/ws/chat/extra",
			wantKind: EndpointNone,
		},
		{
			name:     "simple doc path",
			path:     "/ws/doc/design-notes",
			wantKind: EndpointDoc,
			wantDoc:  "design-notes",
		},
		{
			name:     "trailing slash trimmed",
			path:     "/ws/doc/design-notes/",
			wantKind: EndpointDoc,
			wantDoc:  "design-notes",
		},
		{
			name:     "percent-encoded name decoded",
			path:     "/ws/doc/a%20b",
			wantKind: EndpointDoc,
			wantDoc:  "a b",
		},
		{
			name:     "encoded and plain name the same doc",
			path:     "/ws/doc/a b",
			wantKind: EndpointDoc,
			wantDoc:  "a b",
		},
		{
			name:     "nested doc name keeps inner slashes",
			path:     "/ws/doc/team/7/notes",
			wantKind: EndpointDoc,
			wantDoc:  "team/7/notes",
		},
		{
			name:     "doc prefix with empty remainder",
			path:     "/ws/doc/",
			wantKind: EndpointNone,
		},
		{
			name:     "doc prefix itself",
			path:     "/ws/doc",
			wantKind: EndpointNone,
		},
		{
			name:     "unrelated path",
			path:     "/api/health",
			wantKind: EndpointNone,
		},
		{
			name:     "prefix lookalike",
			path:     "/ws/docs/x",
			wantKind: EndpointNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, doc := router.Route(tt.path)
			if kind != tt.wantKind {
				t.Errorf("Route(%q) kind = %v, want %v", tt.path, kind, tt.wantKind)
			}
			if doc != tt.wantDoc {
				t.Errorf("Route(%q) doc = %q, want %q", tt.path, doc, tt.wantDoc)
			}
		})
	}
}

func TestUpgradeRouterNormalizesConfiguredPrefix(t *testing.T) {
	// A trailing slash in configuration must not change routing.
	router := NewUpgradeRouter("/ws/chat", "/ws/doc/")
	kind, doc := router.Route("/ws/doc/notes")
	if kind != EndpointDoc || doc != "notes" {
		t.Errorf("got kind=%v doc=%q, want doc endpoint %q", kind, doc, "notes")
	}
}
