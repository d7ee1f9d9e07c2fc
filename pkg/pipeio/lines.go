package pipeio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/muesli/cancelreader"
)

// maxLine bounds a single input line.
const maxLine = 64 * 1024

// ReadLines calls fn for every non-blank line of r, without the line
// ending. It stops at EOF, when the read is canceled or when fn fails.
func ReadLines(r io.Reader, fn func(line string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), maxLine)

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}

	if err := sc.Err(); err != nil && !errors.Is(err, cancelreader.ErrCanceled) {
		return fmt.Errorf("reading lines: %w", err)
	}
	return nil
}
