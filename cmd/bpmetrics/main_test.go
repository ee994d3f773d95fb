package main

import "testing"

// TestRun_Version verifies the version flag exits cleanly without starting the relay.
// Params: testing.T for assertions.
// Returns: none.
func TestRun_Version(t *testing.T) {
	if code := run([]string{"--version"}); code != 0 {
		t.Fatalf("exit code=%d, want=0", code)
	}
}

// TestRun_MissingAddress verifies a missing bind address exits with the usage code.
// Params: testing.T for assertions.
// Returns: none.
func TestRun_MissingAddress(t *testing.T) {
	if code := run([]string{"--graphite", "carbon:2003"}); code != exitCodeUsage {
		t.Fatalf("exit code=%d, want=%d", code, exitCodeUsage)
	}
}

// TestRun_UnknownFlag verifies flag parse errors exit with the usage code.
// Params: testing.T for assertions.
// Returns: none.
func TestRun_UnknownFlag(t *testing.T) {
	if code := run([]string{"--no-such-flag"}); code != exitCodeUsage {
		t.Fatalf("exit code=%d, want=%d", code, exitCodeUsage)
	}
}

// TestRun_BackgroundMissingAddress verifies config errors surface before the process detaches.
// Params: testing.T for assertions.
// Returns: none.
func TestRun_BackgroundMissingAddress(t *testing.T) {
	t.Setenv(daemonEnv, "")
	if code := run([]string{"-b"}); code != exitCodeUsage {
		t.Fatalf("exit code=%d, want=%d", code, exitCodeUsage)
	}
}
