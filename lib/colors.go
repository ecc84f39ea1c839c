package lib

import "github.com/fatih/color"

// Colors used by pretty CLI output. fatih/color disables itself when
// stdout is not a terminal.
var (
	Red    = color.New(color.FgRed)
	Green  = color.New(color.FgGreen)
	Yellow = color.New(color.FgYellow)
	Blue   = color.New(color.FgBlue)
	Purple = color.New(color.FgMagenta)
	Cyan   = color.New(color.FgCyan)
	White  = color.New(color.FgWhite)
)

// Colorize wraps the text with the specified color.
func Colorize(text string, c *color.Color) string {
	return c.Sprint(text)
}
