package main

import (
	"fmt"
	"os"
)

// palette holds the ANSI escape sequences used for terminal styling. All
// fields are empty when stdout is not a terminal or NO_COLOR is set, so
// piped output stays clean.
type palette struct {
	Reset  string
	Bold   string
	Dim    string
	Red    string
	Green  string
	Yellow string
	Cyan   string
	White  string
}

var c = newPalette()

func newPalette() palette {
	if os.Getenv("NO_COLOR") != "" {
		return palette{}
	}
	info, err := os.Stdout.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice == 0 {
		return palette{}
	}
	return palette{
		Reset:  "\033[0m",
		Bold:   "\033[1m",
		Dim:    "\033[2m",
		Red:    "\033[31m",
		Green:  "\033[32m",
		Yellow: "\033[33m",
		Cyan:   "\033[36m",
		White:  "\033[37m",
	}
}

func printSection(title string) {
	fmt.Printf("\n%s%s%s\n", c.Bold, title, c.Reset)
}

func printError(message string) {
	fmt.Fprintf(os.Stderr, "%s%sError%s: %s\n", c.Bold, c.Red, c.Reset, message)
}
