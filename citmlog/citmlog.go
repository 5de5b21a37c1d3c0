// Package citmlog builds the hclog.Logger handed to every long-lived
// CITM component. The teacher (spilldb/db.Log, imapserver.Server.Logf)
// injects a bare logging callback into each component rather than
// reaching for a package-level logger; citmlog keeps that discipline
// but backs it with github.com/hashicorp/go-hclog so that component
// names and request-scoped fields render consistently across
// DirMgr/Mailbox/Up/Dn/Server/Fetcher.
package citmlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Options controls the root logger New builds.
type Options struct {
	// Name is the root logger's name, typically "citm".
	Name string
	// Level is one of hclog's level names ("trace", "debug", "info",
	// "warn", "error"); defaults to "info" if empty or unrecognized.
	Level string
	// JSON selects hclog's JSON output format, for log shipping.
	JSON bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New builds the root logger. Callers derive per-component loggers
// from it with Named, e.g. root.Named("mailbox").Named("INBOX").
func New(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	name := opts.Name
	if name == "" {
		name = "citm"
	}
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     out,
		JSONFormat: opts.JSON,
	})
}

// Discard is a no-op logger, for tests that construct a component
// without caring about its log output.
func Discard() hclog.Logger {
	return hclog.NewNullLogger()
}
