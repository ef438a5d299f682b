package ssh

import (
	"regexp"
	"sort"
	"strings"
)

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// CommandLine joins argv into a remote shell command line. The remote sshd
// always runs commands through the login shell, so every argument is quoted.
// env is exported for the command and dir, when set, becomes the working
// directory.
func CommandLine(args []string, env map[string]string, dir string) string {
	var b strings.Builder
	if dir != "" {
		b.WriteString("cd ")
		b.WriteString(Quote(dir))
		b.WriteString(" && ")
	}

	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("env")
		for _, k := range keys {
			b.WriteByte(' ')
			b.WriteString(Quote(k + "=" + env[k]))
		}
		b.WriteByte(' ')
	}

	for i, arg := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(Quote(arg))
	}
	return b.String()
}
