package config

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	l, err := Parse(strings.NewReader("MaxMessageSize: 1048576\nCopyBatchSize: 50\nLogLevel: debug\n"))
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	if l.MaxMessageSize != 1048576 || l.CopyBatchSize != 50 || l.LogLevel != "debug" {
		t.Fatalf("parsed limits %+v", l)
	}
	// Unset fields keep their defaults.
	if l.SetFlagsAttempts != Defaults.SetFlagsAttempts || l.MaxAnnotations != Defaults.MaxAnnotations {
		t.Fatalf("defaults not kept for unset fields: %+v", l)
	}

	if _, err := Parse(strings.NewReader("CopyBatchSize: 0\n")); err == nil {
		t.Fatalf("zero copy batch size accepted")
	}
	if _, err := Parse(strings.NewReader("MaxMessageSize: -1\n")); err == nil {
		t.Fatalf("negative limit accepted")
	}
	if _, err := Parse(strings.NewReader("NoSuchKey: x\n")); err == nil {
		t.Fatalf("unknown key accepted")
	}
}

func TestDescribe(t *testing.T) {
	var b strings.Builder
	if err := Describe(&b); err != nil {
		t.Fatalf("describe: %s", err)
	}
	if !strings.Contains(b.String(), "CopyBatchSize") {
		t.Fatalf("describe output missing fields:\n%s", b.String())
	}
}
