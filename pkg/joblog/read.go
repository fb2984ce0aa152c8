package joblog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultCompositeLines is the line count above which Full switches to a
// head/tail composite.
const DefaultCompositeLines = 200

// Tail returns the last n lines of the entry at path.
//
// Safe to call concurrently with ongoing writes: the reader opens its own
// handle and sees whatever prefix has been flushed so far.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return tailLines(f, n)
}

// TailBytes returns at most n bytes from the end of the entry at path.
func TailBytes(path string, n int64) (string, error) {
	if n <= 0 {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	if st.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return "", err
		}
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Full returns the entry content, switching to a head/tail composite when
// the entry exceeds maxLines lines. The second return value reports whether
// the composite form was used.
//
// maxLines <= 0 selects DefaultCompositeLines.
func Full(path string, maxLines int) (string, bool, error) {
	if maxLines <= 0 {
		maxLines = DefaultCompositeLines
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = f.Close() }()

	var (
		half    = maxLines / 2
		head    = make([]string, 0, half)
		tail    = make([]string, 0, half)
		total   int
		scanner = bufio.NewScanner(f)
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		total++
		if len(head) < half {
			head = append(head, line)
			continue
		}
		if len(tail) < half {
			tail = append(tail, line)
			continue
		}
		copy(tail, tail[1:])
		tail[half-1] = line
	}
	if err := scanner.Err(); err != nil {
		return "", false, err
	}

	if total <= 2*half {
		all := append(append([]string{}, head...), tail...)
		return strings.Join(all, "\n"), false, nil
	}

	omitted := total - len(head) - len(tail)
	var b strings.Builder
	b.WriteString(strings.Join(head, "\n"))
	b.WriteString(fmt.Sprintf("\n... (%d lines omitted) ...\n", omitted))
	b.WriteString(strings.Join(tail, "\n"))
	return b.String(), true, nil
}

// tailLines keeps the last n lines seen on r in a ring-style buffer.
func tailLines(r io.Reader, n int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}
