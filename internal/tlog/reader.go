package tlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Point is one sample returned by a log query.
type Point struct {
	Ts    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// FileInfo describes one log file in the listing.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Reader serves range queries and file listings over the log directory.
type Reader struct {
	logDir string
}

// NewReader creates a reader over the given log directory.
func NewReader(logDir string) *Reader {
	return &Reader{logDir: logDir}
}

// ListFiles returns every .ndjson file in the log directory.
func (r *Reader) ListFiles() ([]FileInfo, error) {
	entries, err := os.ReadDir(r.logDir)
	if os.IsNotExist(err) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ndjson") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ResolveDownload maps a requested file name to an absolute path, rejecting
// anything that would escape the log directory.
func (r *Reader) ResolveDownload(name string) (string, error) {
	base := filepath.Base(name)
	if base != name || base == "." || base == ".." || !strings.HasSuffix(base, ".ndjson") {
		return "", fmt.Errorf("invalid file name %q", name)
	}

	absDir, err := filepath.Abs(r.logDir)
	if err != nil {
		return "", err
	}
	path := filepath.Join(absDir, base)
	if !strings.HasPrefix(path, absDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// Query scans every daily file for a tank (optionally narrowed to one
// family), extracts the named field from rows inside [from, to], and
// returns the points sorted ascending by timestamp.
func (r *Reader) Query(tankID, familyID, field string, from, to time.Time) ([]Point, error) {
	if tankID == "" || field == "" {
		return nil, fmt.Errorf("tank and field are required")
	}

	entries, err := os.ReadDir(r.logDir)
	if os.IsNotExist(err) {
		return []Point{}, nil
	}
	if err != nil {
		return nil, err
	}

	var points []Point
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".ndjson") {
			continue
		}
		if !strings.Contains(name, "-"+tankID+"-") {
			continue
		}
		if familyID != "" && !strings.HasPrefix(name, "telemetry-"+familyID+"-") {
			continue
		}

		filePoints, err := r.scanFile(filepath.Join(r.logDir, name), field, from, to)
		if err != nil {
			return nil, err
		}
		points = append(points, filePoints...)
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Ts.Before(points[j].Ts) })
	if points == nil {
		points = []Point{}
	}
	return points, nil
}

func (r *Reader) scanFile(path, field string, from, to time.Time) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var points []Point
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec map[string]interface{}
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // tolerate a torn trailing line
		}

		ts, ok := rowTimestamp(rec)
		if !ok || ts.Before(from) || ts.After(to) {
			continue
		}
		v, ok := rec[field].(float64)
		if !ok {
			continue
		}
		points = append(points, Point{Ts: ts, Value: v})
	}
	return points, scanner.Err()
}

// rowTimestamp tries the historical timestamp keys in order. Old files used
// ts_utc or bare ts; current writes emit ts_hst.
var timestampKeys = []string{"ts_utc", "ts_hst", "ts", "ts_local", "time"}

func rowTimestamp(rec map[string]interface{}) (time.Time, bool) {
	for _, key := range timestampKeys {
		raw, ok := rec[key].(string)
		if !ok {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
