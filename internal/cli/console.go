// Package cli implements the interactive consoles of the chat server and
// the chat client. Both read one command per line and print tables with
// tablewriter.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"
)

// console serialises output from the command loop and from callbacks that
// arrive on other goroutines.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

func (c *console) table(header []string, rows [][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.AppendBulk(rows)
	tw.Render()
}

// lineReader reads commands line by line.
type lineReader struct {
	scanner *bufio.Scanner
	con     *console
}

func newLineReader(in io.Reader, con *console) *lineReader {
	return &lineReader{scanner: bufio.NewScanner(in), con: con}
}

// ReadLine prints prompt and returns the next line. It returns io.EOF when
// the input ends.
func (lr *lineReader) ReadLine(prompt string) (string, error) {
	if prompt != "" {
		lr.con.printf("%s", prompt)
	}
	if !lr.scanner.Scan() {
		if err := lr.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return lr.scanner.Text(), nil
}

// splitCommand returns the lower-cased command word and its arguments.
func splitCommand(line string) (string, []string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", nil
	}
	return strings.ToLower(parts[0]), parts[1:]
}
