package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Rotation limits for AppendJSONL. When the live file reaches either limit it
// is renamed to path.1 (shifting older files up) and a fresh file started.
var (
	MaxLinesPerFile = 10000
	MaxBytesPerFile = int64(8 << 20)
	MaxRotations    = 3
)

const maxScanSize = 2 << 20

var (
	jsonlMu    sync.Mutex
	jsonlLines = make(map[string]int)
)

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// AppendJSONL appends v as one JSON line to path, rotating first if needed.
func AppendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	jsonlMu.Lock()
	defer jsonlMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	lines, err := lineCountLocked(path)
	if err != nil {
		return err
	}
	if st, err := os.Stat(path); err == nil {
		if (MaxLinesPerFile > 0 && lines >= MaxLinesPerFile) || (MaxBytesPerFile > 0 && st.Size()+int64(len(data)) > MaxBytesPerFile && lines > 0) {
			if err := rotate(path); err != nil {
				return fmt.Errorf("rotate %s: %w", path, err)
			}
			lines = 0
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	jsonlLines[path] = lines + 1
	return syncFile(f)
}

func lineCountLocked(path string) (int, error) {
	if n, ok := jsonlLines[path]; ok {
		return n, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			jsonlLines[path] = 0
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	n := 0
	buf := make([]byte, 32*1024)
	for {
		c, err := f.Read(buf)
		n += bytes.Count(buf[:c], []byte{'\n'})
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	jsonlLines[path] = n
	return n, nil
}

func rotate(path string) error {
	if MaxRotations <= 0 {
		return os.Truncate(path, 0)
	}
	oldest := fmt.Sprintf("%s.%d", path, MaxRotations)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := MaxRotations - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		to := fmt.Sprintf("%s.%d", path, i+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

// ScanPaths lists path and its rotations, newest first.
func ScanPaths(path string) []string {
	out := make([]string, 0, MaxRotations+1)
	out = append(out, path)
	for i := 1; i <= MaxRotations; i++ {
		out = append(out, fmt.Sprintf("%s.%d", path, i))
	}
	return out
}

// ReadJSONL calls fn for every line of path and its rotations, oldest file
// first. Missing files are skipped; fn decides what to do with bad lines.
func ReadJSONL(path string, fn func(line []byte)) error {
	paths := ScanPaths(path)
	for i := len(paths) - 1; i >= 0; i-- {
		f, err := os.Open(paths[i])
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		sc := newScanner(f)
		for sc.Scan() {
			fn(sc.Bytes())
		}
		err = sc.Err()
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
