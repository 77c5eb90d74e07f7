package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// progressReader wraps a reader and prints progress.
type progressReader struct {
	reader  io.Reader
	total   int64
	current int64
	label   string
	out     io.Writer
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.current += int64(n)
	printProgress(pr.out, pr.label, pr.current, pr.total)
	return n, err
}

// progressWriter wraps a writer and prints progress.
type progressWriter struct {
	writer  io.Writer
	total   int64
	current int64
	label   string
	out     io.Writer
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.current += int64(n)
	printProgress(pw.out, pw.label, pw.current, pw.total)
	return n, err
}

func printProgress(out io.Writer, label string, current, total int64) {
	if out == nil {
		return
	}
	if total <= 0 {
		fmt.Fprintf(out, "\r%s: %s", label, humanize.IBytes(uint64(current)))
		return
	}
	pct := float64(current) / float64(total) * 100
	barLen := 30
	filled := int(pct / 100 * float64(barLen))
	if filled > barLen {
		filled = barLen
	}
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barLen-filled)
	fmt.Fprintf(out, "\r%s: [%s] %.1f%% %s/%s", label, bar, pct, humanize.IBytes(uint64(current)), humanize.IBytes(uint64(total)))
}
