package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/jessevdk/go-flags"
)

// stdout is where command output goes; tests swap it.
var stdout io.Writer = os.Stdout

// Run parses args, executes the selected command and returns the exit code.
func Run(args []string) int {
	opts := &Options{}
	for _, a := range args {
		if !strings.HasPrefix(a, "-") && opts.Init(a) {
			break
		}
	}

	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, err)
			return 0
		}
		fmt.Fprintln(os.Stderr, describe(err))
		return 1
	}
	return 0
}

// describe renders server errors as "REASON: message".
func describe(err error) string {
	if se := new(kerrors.Error); errors.As(err, &se) && se.Reason != "" {
		return fmt.Sprintf("%s: %s", se.Reason, se.Message)
	}
	return err.Error()
}
