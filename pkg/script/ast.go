package script

import "strings"

// File is a parsed bootstrap script.
type File struct {
	Name     string
	Commands []*Command
}

// Command is one script line. Exactly one of the command fields is set.
type Command struct {
	// Line is the 1-based source line.
	Line int

	Target  *TargetCmd
	Set     *SetCmd
	Monitor *MonitorCmd
	Load    *LoadCmd
	Compare *CompareCmd
	Break   *BreakCmd
}

// statement is the grammar for a single line.
type statement struct {
	Target  *TargetCmd  `  @@`
	Set     *SetCmd     `| @@`
	Monitor *MonitorCmd `| @@`
	Load    *LoadCmd    `| @@`
	Compare *CompareCmd `| @@`
	Break   *BreakCmd   `| @@`
}

// TargetCmd selects the remote endpoint.
// Example: target extended-remote localhost:3333
type TargetCmd struct {
	Mode     string `"target" @( "extended-remote" | "remote" )`
	Endpoint string `@Word`
}

// SetCmd changes a debugger setting.
// Example: set print asm-demangle on
type SetCmd struct {
	Words []string `"set" @Word @Word+`
}

// Setting returns the setting path and its value.
func (s *SetCmd) Setting() (string, string) {
	n := len(s.Words)
	return strings.Join(s.Words[:n-1], " "), s.Words[n-1]
}

// MonitorCmd passes a command through to the debug server.
// Example: monitor reset halt
type MonitorCmd struct {
	Args []string `( "monitor" | "mon" ) @Word+`
}

// Text returns the monitor command with normalized spacing.
func (m *MonitorCmd) Text() string {
	return strings.Join(m.Args, " ")
}

// LoadCmd writes the program image. File overrides the image being
// debugged when set.
type LoadCmd struct {
	File string `"load" @Word?`
}

// CompareCmd verifies loaded sections, optionally only the named ones.
type CompareCmd struct {
	Sections []string `"compare-sections" @Word*`
}

// BreakCmd sets a breakpoint at a symbol or *address.
type BreakCmd struct {
	Kind     string `@( "break" | "hbreak" | "b" )`
	Location string `@Word`
}
