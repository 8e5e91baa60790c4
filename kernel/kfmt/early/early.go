// Package early provides a minimal Printf used for allocator trace output,
// named after the teacher kernel's kfmt/early package. It is a thin
// wrapper around fmt.Fprintf/fmt.Fprintln that stays silent until a writer
// is installed.
package early

import (
	"fmt"
	"io"
)

// writer is the destination for Printf output. It defaults to nil (no
// output) so that allocators stay silent unless a caller opts in via
// SetWriter.
var writer io.Writer

// SetWriter installs w as the destination for subsequent Printf calls.
// Passing nil disables output.
func SetWriter(w io.Writer) {
	writer = w
}

// Printf writes a formatted trace line to the currently installed writer.
// It is a no-op when no writer has been installed.
func Printf(format string, args ...interface{}) {
	if writer == nil {
		return
	}
	fmt.Fprintf(writer, format, args...)
}

// Println writes a trace line followed by a newline. It is a no-op when no
// writer has been installed.
func Println(args ...interface{}) {
	if writer == nil {
		return
	}
	fmt.Fprintln(writer, args...)
}
