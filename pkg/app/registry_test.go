package app

import (
	"errors"
	"testing"

	"github.com/triangleos/trios/pkg/navctx"
)

func TestRegisterOverwritesByID(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Descriptor{ID: "proj", URL: "/old"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(Descriptor{ID: "proj", URL: "/new"}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	d, err := r.Get("proj")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.URL != "/new" {
		t.Fatalf("overwrite lost: %s", d.URL)
	}
	if len(r.List()) != 1 {
		t.Fatalf("list length = %d", len(r.List()))
	}
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Descriptor{URL: "/x"}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestResolveUnknownIDIsFatal(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("ghost", navctx.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolvePlaceholders(t *testing.T) {
	tests := []struct {
		name        string
		descriptor  Descriptor
		context     map[string]any
		wantURL     string
		wantMissing []string
	}{
		{
			name:       "context value substituted",
			descriptor: Descriptor{ID: "proj", URL: "/project/{projectId}", Params: Params{Required: []string{"projectId"}}},
			context:    map[string]any{"projectId": "42"},
			wantURL:    "/project/42",
		},
		{
			name:        "missing required kept verbatim",
			descriptor:  Descriptor{ID: "proj", URL: "/project/{projectId}", Params: Params{Required: []string{"projectId"}}},
			wantURL:     "/project/{projectId}",
			wantMissing: []string{"projectId"},
		},
		{
			name: "descriptor defaults fill gaps",
			descriptor: Descriptor{ID: "chat", URL: "/chat/{chatId}?user={userId}", Params: Params{
				Required: []string{"userId"},
				Defaults: map[string]any{"chatId": "new"},
			}},
			context: map[string]any{"userId": "u-1"},
			wantURL: "/chat/new?user=u-1",
		},
		{
			name:       "context overrides defaults and numbers stringify",
			descriptor: Descriptor{ID: "p", URL: "/p/{n}", Params: Params{Defaults: map[string]any{"n": 1}}},
			context:    map[string]any{"n": 2},
			wantURL:    "/p/2",
		},
		{
			name:       "unknown token left verbatim without error",
			descriptor: Descriptor{ID: "x", URL: "/a/{left}/b"},
			wantURL:    "/a/{left}/b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if err := r.Register(tt.descriptor); err != nil {
				t.Fatalf("register: %v", err)
			}
			ctx := navctx.New()
			ctx.Merge(tt.context)
			got, err := r.Resolve(tt.descriptor.ID, ctx)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got.URL != tt.wantURL {
				t.Fatalf("url = %q, want %q", got.URL, tt.wantURL)
			}
			if len(got.Missing) != len(tt.wantMissing) {
				t.Fatalf("missing = %v, want %v", got.Missing, tt.wantMissing)
			}
			for i := range tt.wantMissing {
				if got.Missing[i] != tt.wantMissing[i] {
					t.Fatalf("missing = %v, want %v", got.Missing, tt.wantMissing)
				}
			}
		})
	}
}

func TestSubstituteDanglingBrace(t *testing.T) {
	got := Substitute("/a/{unclosed", map[string]any{"unclosed": "x"})
	if got != "/a/{unclosed" {
		t.Fatalf("dangling brace mangled: %q", got)
	}
}
