package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitError carries a process exit code through cobra without double
// printing: the report has already been written by the time it is raised.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
