package sessionset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

func TestRememberEvicted(t *testing.T) {
	var ev []string
	for i := 0; i < MaxEvictedRemembered+3; i++ {
		ev = rememberEvicted(ev, fmt.Sprintf("s%d", i))
	}
	if len(ev) != MaxEvictedRemembered {
		t.Fatalf("len=%d want %d", len(ev), MaxEvictedRemembered)
	}
	if ev[0] != "s3" {
		t.Fatalf("oldest kept=%q want s3", ev[0])
	}

	ev = rememberEvicted(ev, "s5")
	if ev[len(ev)-1] != "s5" || indexOf(ev[:len(ev)-1], "s5") >= 0 {
		t.Fatalf("re-evicted id must move to the end without duplicates: %v", ev)
	}
}

func TestCloneSet(t *testing.T) {
	if got := cloneSet(nil); got == nil || len(got) != 0 {
		t.Fatalf("cloneSet(nil)=%#v", got)
	}
	src := []string{"a", "b"}
	got := cloneSet(src)
	got[0] = "z"
	if src[0] != "a" {
		t.Fatalf("cloneSet must copy")
	}
	if got := cloneSet([]string{}); got == nil {
		t.Fatalf("cloneSet of an empty set returned nil")
	}
}

func TestForgetEvicted(t *testing.T) {
	ev := forgetEvicted([]string{"a", "b", "c"}, "b")
	if fmt.Sprint(ev) != "[a c]" {
		t.Fatalf("forgetEvicted=%v", ev)
	}
	if ev := forgetEvicted([]string{"a"}, "z"); fmt.Sprint(ev) != "[a]" {
		t.Fatalf("forgetEvicted missing id=%v", ev)
	}
}

func TestValidID(t *testing.T) {
	long := make([]byte, maxIDLen+1)
	for i := range long {
		long[i] = 'x'
	}
	cases := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"abc", true},
		{string(long[:maxIDLen]), true},
		{string(long), false},
	}
	for _, tc := range cases {
		if got := validID(tc.in); got != tc.want {
			t.Fatalf("validID(len=%d)=%v want %v", len(tc.in), got, tc.want)
		}
	}
}

func TestOpError(t *testing.T) {
	err := invalidInput("sessionset.TryAdmit", "session id")
	if !IsInvalidInput(err) {
		t.Fatalf("expected IsInvalidInput")
	}
	if got := err.Error(); got != "sessionset.TryAdmit: invalid input: session id" {
		t.Fatalf("Error()=%q", got)
	}
	if !IsAccountNotFound(fmt.Errorf("wrap: %w", accountNotFound("x"))) {
		t.Fatalf("expected wrapped account not found")
	}
}

func TestRetrier_RetriesTransientOnly(t *testing.T) {
	transientErr := errors.New("transient")
	var notified int
	r := newRetrier(RetryPolicy{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		OnRetry:         func(string, error, time.Duration) { notified++ },
	}, func(err error) bool { return errors.Is(err, transientErr) })

	calls := 0
	err := r.do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return transientErr
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 3 || notified != 2 {
		t.Fatalf("calls=%d notified=%d", calls, notified)
	}

	calls = 0
	permanent := errors.New("permanent")
	err = r.do(context.Background(), "op", func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("err=%v calls=%d want permanent after 1 call", err, calls)
	}
}

func TestRetrier_GivesUp(t *testing.T) {
	transientErr := errors.New("transient")
	r := newRetrier(RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		func(error) bool { return true })

	calls := 0
	err := r.do(context.Background(), "op", func() error {
		calls++
		return transientErr
	})
	if !errors.Is(err, transientErr) {
		t.Fatalf("err=%v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
}

func TestRetrier_NoRetry(t *testing.T) {
	r := newRetrier(NoRetry(), func(error) bool { return true })
	calls := 0
	_ = r.do(context.Background(), "op", func() error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
}

func TestIsTransientPG(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "40001"}, true},
		{&pgconn.PgError{Code: "40P01"}, true},
		{&pgconn.PgError{Code: "23505"}, false},
		{accountNotFound("x"), false},
	}
	for _, tc := range cases {
		if got := isTransientPG(tc.err); got != tc.want {
			t.Fatalf("isTransientPG(%v)=%v want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsTransientRedis(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{io.EOF, true},
		{errors.New("LOADING Redis is loading the dataset in memory"), true},
		{errors.New("BUSY Redis is busy running a script"), true},
		{redis.Nil, false},
		{redis.ErrClosed, false},
		{errors.New("ERR syntax error"), false},
	}
	for _, tc := range cases {
		if got := isTransientRedis(tc.err); got != tc.want {
			t.Fatalf("isTransientRedis(%v)=%v want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsTransientSQLite_NonSQLiteError(t *testing.T) {
	if isTransientSQLite(errors.New("boom")) {
		t.Fatalf("plain error must not be transient")
	}
}
