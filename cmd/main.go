package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes for different failure modes
const (
	ExitSuccess     = 0 // Every file processed
	ExitFileFailed  = 1 // One or more files failed
	ExitConfigError = 2 // Configuration or startup error
)

// filesFailedError reports that the command ran but some files did not
// process.
type filesFailedError struct {
	failed, total int
}

func (e *filesFailedError) Error() string {
	return fmt.Sprintf("%d of %d files failed", e.failed, e.total)
}

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var failed *filesFailedError
		if errors.As(err, &failed) {
			os.Exit(ExitFileFailed)
		}
		os.Exit(ExitConfigError)
	}
	os.Exit(ExitSuccess)
}
