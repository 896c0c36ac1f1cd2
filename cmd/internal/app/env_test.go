package app

import (
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("SG_T_STR", "  x  ")
	t.Setenv("SG_T_BOOL", "nope")
	t.Setenv("SG_T_INT", "-3")
	t.Setenv("SG_T_INT32", "0")
	t.Setenv("SG_T_DUR", "1500ms")
	t.Setenv("SG_T_LIST", " a,,b ")

	if got := EnvString("SG_T_STR", "d"); got != "x" {
		t.Fatalf("EnvString=%q", got)
	}
	if got := EnvString("SG_T_MISSING", "d"); got != "d" {
		t.Fatalf("EnvString default=%q", got)
	}
	if got := EnvBool("SG_T_BOOL", true); !got {
		t.Fatalf("EnvBool should fall back on parse error")
	}
	if got := EnvInt("SG_T_INT", 7); got != 7 {
		t.Fatalf("EnvInt should reject negatives, got %d", got)
	}
	if got := EnvInt32("SG_T_INT32", 9); got != 0 {
		t.Fatalf("EnvInt32 should accept zero, got %d", got)
	}
	if got := EnvDuration("SG_T_DUR", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("EnvDuration=%v", got)
	}
	if got := EnvList("SG_T_LIST"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("EnvList=%v", got)
	}
	if got := EnvList("SG_T_MISSING"); got != nil {
		t.Fatalf("EnvList missing=%v", got)
	}
}
