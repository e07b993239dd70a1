package hotstuff

import (
	"io"
	"log"
)

// newComponentLogger mirrors the teacher's log.New(log.Writer(), "[Tag] ",
// log.LstdFlags) construction (pkg/consensus/abci_validator.go,
// health_monitor.go), but injected at construction time rather than
// read from a package-global — per §9's "Replace with an injected
// logging capability at component construction; no process-wide
// mutable logger." A nil logger passed by the caller is replaced with
// one writing to io.Discard, so every call site can log unconditionally
// without a nil check.
func newComponentLogger(tag string, base *log.Logger) *log.Logger {
	if base != nil {
		return log.New(base.Writer(), base.Prefix()+tag+" ", base.Flags())
	}
	return log.New(io.Discard, tag+" ", log.LstdFlags)
}
