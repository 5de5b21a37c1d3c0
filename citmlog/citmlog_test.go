package citmlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewDefaultsLevelAndName(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Output: &buf})
	log.Info("hello")
	if !strings.Contains(buf.String(), "citm") {
		t.Errorf("expected root name %q in output, got %q", "citm", buf.String())
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("expected message in output, got %q", buf.String())
	}
}

func TestNamedComponentsNest(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Name: "citm", Output: &buf})
	mbox := log.Named("mailbox").Named("INBOX")
	mbox.Warn("reconcile dropped a stale file")
	if !strings.Contains(buf.String(), "mailbox.INBOX") {
		t.Errorf("expected nested component name, got %q", buf.String())
	}
}

func TestDiscardProducesNoOutput(t *testing.T) {
	log := Discard()
	log.Info("should not panic")
}
