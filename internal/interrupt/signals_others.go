//go:build !(linux || darwin)

package interrupt

import "os"

// CaptureSignals lists the signals the kernel process listens for. On
// platforms without POSIX signals (notably Windows), R's interrupt check
// requires a process-level mechanism of its own (see Plane's doc comment);
// Go-level signal handling here is reduced to os.Interrupt.
var CaptureSignals = []os.Signal{os.Interrupt}
