// Package cmdline turns user-editable command templates such as
// "ffmpeg -s {width}x{height} -i {input}" into argv slices for os/exec.
package cmdline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// ErrEmpty is returned for a template with no program name.
var ErrEmpty = errors.New("empty command")

// Split breaks a command line into words using POSIX shell quoting rules.
// Nothing is expanded and no shell is involved. A word starting with # begins
// a comment that runs to the end of the line.
func Split(command string) ([]string, error) {
	words, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command quoting: %w", err)
	}
	if len(words) == 0 {
		return nil, ErrEmpty
	}
	return words, nil
}

// Expand splits template and substitutes every {name} placeholder in each
// word with vars[name]. Placeholders are replaced after splitting, so values
// containing spaces stay a single argument. Unknown placeholders are left
// untouched.
func Expand(template string, vars map[string]string) ([]string, error) {
	words, err := Split(template)
	if err != nil {
		return nil, err
	}

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	for i, w := range words {
		words[i] = r.Replace(w)
	}
	return words, nil
}
