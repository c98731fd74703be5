package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitExtraArgs securely splits a user-supplied encoder argument string into
// a slice of arguments. It prevents shell injection by not using a shell.
func SplitExtraArgs(extra string) ([]string, error) {
	args, err := shlex.Split(extra)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// ValidateExtraArgs checks user-supplied encoder arguments for options that
// would let a request read or write arbitrary paths, and for shell-like
// metacharacters. exec never invokes a shell, but synthesized commands must
// stay inspectable.
func ValidateExtraArgs(args []string) error {
	for _, arg := range args {
		switch arg {
		case "-i", "-f", "-passlogfile", "-fflags":
			return fmt.Errorf("disallowed option in extra arguments: %s", arg)
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
