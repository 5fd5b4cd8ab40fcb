package transport

import "strings"

// shellQuote single-quotes one argument for POSIX sh so that no content of
// the argument is interpreted by the shell.
func shellQuote(arg string) string {
	if arg == "" {
		return "''"
	}
	if !strings.ContainsAny(arg, " \t\n\"'\\$&|;<>()*?[]#~%!{}`") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// shellJoin quotes every argv element individually; callers must never
// concatenate argv through an unquoted intermediate string.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

// sessionCommand builds the program string a session runs: the quoted argv,
// optionally wrapped so a pre-command runs first and the tool replaces the
// wrapping shell.
func sessionCommand(argv []string, preCommand string) string {
	joined := shellJoin(argv)
	if preCommand == "" {
		return joined
	}
	return "sh -c " + shellQuote(preCommand+" && exec "+joined)
}

// isPlainASCII reports whether text survives a remote shell's argument
// passing without locale mangling.
func isPlainASCII(text string) bool {
	for i := 0; i < len(text); i++ {
		if text[i] < 0x20 || text[i] > 0x7e {
			return false
		}
	}
	return true
}
