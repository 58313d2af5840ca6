package monitoring

import "testing"

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = format
	})
	Logf("cache write failed: %v")
	if got != "cache write failed: %v" {
		t.Errorf("custom logger saw %q", got)
	}

	// nil installs a no-op, not a nil func
	SetLogger(nil)
	got = ""
	Logf("should be dropped")
	if got != "" {
		t.Errorf("no-op logger still recorded %q", got)
	}

	// a later SetLogger call takes over again
	SetLogger(func(format string, v ...interface{}) {
		got = format
	})
	Logf("back on")
	if got != "back on" {
		t.Errorf("replacement logger saw %q", got)
	}
}

func TestLogfDefaultNotNil(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should default to a real logger")
	}
	Logf("default logger smoke test: %s", "ok")
}
