// Package terminal is for terminal outputting
package terminal

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

var ProgressBarMax = 100

type ProgressBar struct {
	Bar            *progressbar.ProgressBar
	CurrPercentage int
}

type Terminal struct {
	out     io.Writer
	verbose io.Writer
	err     io.Writer
	in      io.ReadCloser

	Green  func(format string, a ...interface{}) string
	Yellow func(format string, a ...interface{}) string
	Red    func(format string, a ...interface{}) string
	Blue   func(format string, a ...interface{}) string
}

func New() (t *Terminal) {
	return NewWithWriters(os.Stdin, os.Stdout, os.Stderr)
}

// NewWithWriters builds a Terminal on arbitrary streams. Colors follow
// fatih/color's global NoColor setting, which is off for non-tty output.
func NewWithWriters(in io.ReadCloser, out io.Writer, err io.Writer) *Terminal {
	return &Terminal{
		out:     out,
		verbose: out,
		err:     err,
		in:      in,
		Green:   color.New(color.FgGreen).SprintfFunc(),
		Yellow:  color.New(color.FgYellow).SprintfFunc(),
		Red:     color.New(color.FgRed).SprintfFunc(),
		Blue:    color.New(color.FgBlue).SprintfFunc(),
	}
}

// SetVerbose silences Print output unless verbose is set. Vprint and Eprint
// are unaffected.
func (t *Terminal) SetVerbose(verbose bool) {
	if verbose {
		t.out = t.verbose
	} else {
		t.out = silentWriter{}
	}
}

func (t *Terminal) Print(a string) {
	fmt.Fprintln(t.out, a)
}

func (t *Terminal) Vprint(a string) {
	fmt.Fprintln(t.verbose, a)
}

func (t *Terminal) Eprint(a string) {
	fmt.Fprintln(t.err, a)
}

func (t *Terminal) Errprint(err error, a string) {
	t.Eprint(t.Red("Error: " + err.Error()))
	if a != "" {
		t.Eprint(t.Red(a))
	}
}

type silentWriter struct{}

func (w silentWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

func (t *Terminal) NewSpinner() *spinner.Spinner {
	return spinner.New(spinner.CharSets[11], 100*time.Millisecond,
		spinner.WithWriter(t.err),
		spinner.WithColor("fgCyan"),
	)
}

func (t *Terminal) NewProgressBar(description string, onComplete func()) *ProgressBar {
	bar := progressbar.NewOptions(ProgressBarMax,
		progressbar.OptionSetWriter(t.err),
		progressbar.OptionOnCompletion(onComplete),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(15),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))

	return &ProgressBar{
		Bar:            bar,
		CurrPercentage: 0,
	}
}

// AdvanceTo moves the bar forward. It never moves backwards.
func (bar *ProgressBar) AdvanceTo(percentage int) {
	if percentage > ProgressBarMax {
		percentage = ProgressBarMax
	}
	if percentage <= bar.CurrPercentage {
		return
	}
	bar.CurrPercentage = percentage
	_ = bar.Bar.Set(percentage)
}

func (bar *ProgressBar) Describe(text string) {
	bar.Bar.Describe(text)
}
