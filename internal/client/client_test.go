package client

import (
	"errors"
	"testing"

	"github.com/danmuck/netbridge/internal/errs"
	"github.com/danmuck/netbridge/internal/testutil/testlog"
)

func TestParseTarget(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		raw  string
		want target
	}{
		{"http://example.com", target{addr: "example.com:80", host: "example.com", authority: "example.com", path: "/"}},
		{"https://example.com/a?b=c", target{addr: "example.com:443", host: "example.com", authority: "example.com", path: "/a?b=c", tls: true}},
		{"http://127.0.0.1:8080/echo", target{addr: "127.0.0.1:8080", host: "127.0.0.1", authority: "127.0.0.1:8080", path: "/echo"}},
		{"https://[::1]:9443/", target{addr: "[::1]:9443", host: "::1", authority: "[::1]:9443", path: "/", tls: true}},
	}
	for _, tc := range cases {
		got, err := parseTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestParseTargetRejects(t *testing.T) {
	testlog.Start(t)
	for _, raw := range []string{"ftp://example.com", "http://", "://nope", "example.com/path"} {
		_, err := parseTarget(raw)
		if !errors.Is(err, ErrBadTarget) {
			t.Fatalf("%s: expected ErrBadTarget, got %v", raw, err)
		}
		if errs.CodeOf(err) != errs.TypeError {
			t.Fatalf("%s: expected type error code, got %v", raw, errs.CodeOf(err))
		}
	}
}
