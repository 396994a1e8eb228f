// Package config holds operational limits for a mail store, parseable from a
// file in sconf format.
package config

import (
	"fmt"
	"io"

	"github.com/mjl-/sconf"
)

// Limits bound resource usage of a store. The zero value is not usable, start
// from Defaults.
type Limits struct {
	MaxMessageSize    int64             `sconf:"optional" sconf-doc:"Maximum size in bytes of a single appended message. 0 means no limit."`
	MaxAnnotationSize int               `sconf:"optional" sconf-doc:"Maximum size in bytes of one mailbox annotation value."`
	MaxAnnotations    int               `sconf:"optional" sconf-doc:"Maximum number of annotations per mailbox."`
	CopyBatchSize     int               `sconf:"optional" sconf-doc:"Number of messages copied/moved per transaction chunk for large ranges."`
	SetFlagsAttempts  int               `sconf:"optional" sconf-doc:"Attempts for a flags update when the owning mailbox is being deleted concurrently, before the mailbox is skipped."`
	LogLevel          string            `sconf:"optional" sconf-doc:"Default log level, one of: error, info, debug."`
	PackageLogLevels  map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. store, hooks)."`
}

// Defaults are the limits used when no configuration file is provided.
var Defaults = Limits{
	MaxAnnotationSize: 1024,
	MaxAnnotations:    64,
	CopyBatchSize:     200,
	SetFlagsAttempts:  5,
}

// ParseFile reads limits from path, starting from Defaults.
func ParseFile(path string) (Limits, error) {
	l := Defaults
	if err := sconf.ParseFile(path, &l); err != nil {
		return Limits{}, fmt.Errorf("parsing limits: %w", err)
	}
	return l.check()
}

// Parse reads limits from src, starting from Defaults.
func Parse(src io.Reader) (Limits, error) {
	l := Defaults
	if err := sconf.Parse(src, &l); err != nil {
		return Limits{}, fmt.Errorf("parsing limits: %w", err)
	}
	return l.check()
}

// Describe writes an example/documented config file for Limits.
func Describe(w io.Writer) error {
	l := Defaults
	return sconf.Describe(w, &l)
}

func (l Limits) check() (Limits, error) {
	if l.CopyBatchSize <= 0 {
		return Limits{}, fmt.Errorf("copy batch size must be positive")
	}
	if l.SetFlagsAttempts <= 0 {
		return Limits{}, fmt.Errorf("flags update attempts must be positive")
	}
	if l.MaxAnnotationSize < 0 || l.MaxAnnotations < 0 || l.MaxMessageSize < 0 {
		return Limits{}, fmt.Errorf("limits must not be negative")
	}
	return l, nil
}
