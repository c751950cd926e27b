package heap

import (
	"fmt"
	"os"
)

// Options are the heap's debugging knobs. They mirror the runtime's
// development GC flags.
type Options struct {
	// Zealous forces a collection before every allocation that is allowed
	// to collect.
	Zealous bool
	// Trace prints collection statistics to stderr.
	Trace bool
	// Poison fills swept cells with 0x77.
	Poison bool
	// SlowAsserts runs the full heap consistency check around every
	// collection.
	SlowAsserts bool
}

const poisonByte = 0x77

// Fatalf reports an unrecoverable runtime condition and terminates the
// process. Tests may replace it.
var Fatalf = func(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
