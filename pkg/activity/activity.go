// Package activity supplies the Logger implementation every pipeline
// package (pointer, optimizer, stubs) accepts as an
// interface: apex/log for leveled messages, with an optional mpb
// progress bar driving per-image extraction feedback in the CLIs.
package activity

import (
	"github.com/apex/log"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Logger is the minimal surface every pipeline package depends on; each
// package (pointer, optimizer, stubs) declares its own
// narrower copy of this interface so it never imports this package
// directly — this type exists only to document the shape they expect.
type Logger interface {
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// ApexLogger adapts apex/log's package-level logger (or a *log.Logger
// with fields already attached) to the Logger interface every pipeline
// stage accepts.
type ApexLogger struct {
	entry *log.Entry
}

// New builds an ApexLogger tagged with the image currently being
// extracted, so interleaved warnings from concurrent stages are still
// attributable.
func New(image string) *ApexLogger {
	return &ApexLogger{entry: log.WithField("image", image)}
}

func (l *ApexLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *ApexLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *ApexLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *ApexLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// ProgressSet wraps an mpb.Progress for dyldex-all's "N of M images"
// style bar: dyldex-all adds one bar for the whole run and advances it
// once per image.
type ProgressSet struct {
	p *mpb.Progress
}

// NewProgressSet starts a progress container; the caller Waits on it
// after launching all per-image bars.
func NewProgressSet() *ProgressSet {
	return &ProgressSet{p: mpb.New(mpb.WithWidth(64))}
}

// AddImageBar starts a named bar that completes after totalSteps
// increments (dyldex-all passes the cache's image count).
func (ps *ProgressSet) AddImageBar(name string, totalSteps int) *mpb.Bar {
	return ps.p.AddBar(int64(totalSteps),
		mpb.PrependDecorators(decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight})),
		mpb.AppendDecorators(decor.Percentage()),
	)
}

// Wait blocks until every bar added to the set has completed.
func (ps *ProgressSet) Wait() { ps.p.Wait() }
