// Package common provides the structured logging infrastructure shared by
// every component of the replicator: a global logrus logger with output
// stream splitting, and a ContextLogger builder for per-component fields.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes error-level log lines to stderr and everything
// else to stdout, so container log collectors can treat the two streams
// differently.
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the package-wide logrus instance. Components should prefer a
// ContextLogger built on top of it over calling Logger directly, so that
// component/entity/report-key fields are attached consistently.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
