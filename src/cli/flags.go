// Package cli contains helper types and functions for flag parsing, built on
// github.com/thought-machine/go-flags. It mirrors the donor's own cli flags
// package so config and flag structs can share one set of human-friendly
// scalar types.
package cli

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	flags "github.com/thought-machine/go-flags"
	logging "gopkg.in/op/go-logging.v1"
)

// ParseFlagsOrDie parses the app's flags from os.Args and dies, printing
// usage, if unsuccessful or if unexpected positional arguments remain.
func ParseFlagsOrDie(appname string, data interface{}) *flags.Parser {
	return ParseFlagsFromArgsOrDie(appname, data, os.Args)
}

// ParseFlagsFromArgsOrDie is as ParseFlagsOrDie but allows control over the
// arguments parsed, which is handy for tests.
func ParseFlagsFromArgsOrDie(appname string, data interface{}, args []string) *flags.Parser {
	parser := flags.NewNamedParser(path.Base(args[0]), flags.HelpFlag|flags.PassDoubleDash)
	parser.AddGroup(appname+" options", "", data)
	extraArgs, err := parser.ParseArgs(args[1:])
	if err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			fmt.Printf("%s\n", err)
			os.Exit(0)
		}
		parser.WriteHelp(os.Stderr)
		fmt.Fprintf(os.Stderr, "\n%s\n", err)
		os.Exit(1)
	} else if len(extraArgs) > 0 {
		parser.WriteHelp(os.Stderr)
		fmt.Fprintf(os.Stderr, "Unknown argument(s): %s\n", extraArgs)
		os.Exit(1)
	}
	return parser
}

// A ByteSize is used for flags or config values that represent a quantity of
// bytes, passed as human-readable sizes like "10G" or "256MiB".
type ByteSize uint64

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (b *ByteSize) UnmarshalFlag(in string) error {
	n, err := humanize.ParseBytes(in)
	*b = ByteSize(n)
	return err
}

// UnmarshalText implements the encoding.TextUnmarshaler interface, used by
// gcfg when this type appears in a config struct.
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.UnmarshalFlag(string(text))
}

// A Duration is a time.Duration that also accepts a bare integer, treated as
// a number of seconds, for backwards compatibility with plain config files.
type Duration time.Duration

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (d *Duration) UnmarshalFlag(in string) error {
	parsed, err := time.ParseDuration(in)
	if err != nil {
		if n, err2 := strconv.Atoi(in); err2 == nil {
			*d = Duration(time.Duration(n) * time.Second)
			return nil
		}
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.UnmarshalFlag(string(text))
}

// Range converts to time.Duration for use in the stdlib APIs that want one.
func (d Duration) Range() time.Duration { return time.Duration(d) }

// A URL is a string that has been validated as parseable by net/url, kept as
// a string (not net.URL) because every caller just wants to concatenate
// paths onto it.
type URL string

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (u *URL) UnmarshalFlag(in string) error {
	if in == "" {
		*u = ""
		return nil
	}
	if _, err := url.Parse(in); err != nil {
		return err
	}
	*u = URL(in)
	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (u *URL) UnmarshalText(text []byte) error {
	return u.UnmarshalFlag(string(text))
}

// String implements fmt.Stringer.
func (u URL) String() string { return string(u) }

// TrimSlash returns u with any trailing slash removed, for clean path joins.
func (u URL) TrimSlash() string { return strings.TrimSuffix(string(u), "/") }

// A Verbosity is a flag-settable logging level, accepted either as one of
// the level names ("warning", "debug", ...) or as a bare integer, matching
// the donor cli package's Verbosity flag.
type Verbosity logging.Level

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (v *Verbosity) UnmarshalFlag(in string) error {
	if n, err := strconv.Atoi(in); err == nil {
		*v = Verbosity(n)
		return nil
	}
	level, err := logging.LogLevel(in)
	if err != nil {
		return fmt.Errorf("invalid verbosity %q: %s", in, err)
	}
	*v = Verbosity(level)
	return nil
}
