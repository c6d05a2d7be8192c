// Package science turns raw alert files into science records. It implements
// the primary streaming job: list new raw files for a night, flatten and cut
// each alert, run the science modules and append the survivors to the record
// store.
package science

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/astrolab/finkstream/encoding"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Raw file formats recognised by extension. Either may carry a compression
// suffix: a.json.gz, b.msgpack.zst.
const (
	extJSON    = ".json"
	extMsgpack = ".msgpack"
	extGzip    = ".gz"
	extZstd    = ".zst"
)

// splitExt returns the alert format and compression suffix of a file name
func splitExt(name string) (format, compression string) {
	compression = filepath.Ext(name)
	switch compression {
	case extGzip, extZstd:
		name = strings.TrimSuffix(name, compression)
	default:
		compression = ""
	}
	return filepath.Ext(name), compression
}

// RawDir returns the directory holding the raw alerts of a night
func RawDir(prefix, night string) string {
	return filepath.Join(prefix, "raw", night)
}

// ListRawFiles returns the raw alert files in dir, sorted by name. A missing
// directory yields no files: the night simply has not started yet.
func ListRawFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list raw directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		switch format, _ := splitExt(entry.Name()); format {
		case extJSON, extMsgpack:
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadAlerts decodes every alert in a raw file. JSON files hold one alert
// per line; msgpack files hold consecutive maps.
func ReadAlerts(path string) ([]map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	format, compression := splitExt(path)
	var r io.Reader = bufio.NewReader(f)
	switch compression {
	case extGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	case extZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	var alerts []map[string]interface{}
	collect := func(m map[string]interface{}) error {
		alerts = append(alerts, m)
		return nil
	}

	switch format {
	case extMsgpack:
		err = encoding.DecodeStream(r, collect)
	case extJSON:
		err = decodeJSONLines(r, collect)
	default:
		return nil, fmt.Errorf("unsupported raw file %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return alerts, nil
}

func decodeJSONLines(r io.Reader, fn func(map[string]interface{}) error) error {
	scanner := bufio.NewScanner(r)
	// Alerts carry base64 cutouts and can be large
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var m map[string]interface{}
		if err := dec.Decode(&m); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(normalizeJSON(m).(map[string]interface{})); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// normalizeJSON converts json.Number into int64 or float64 so JSON and
// msgpack alerts carry the same Go types.
func normalizeJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		for k, inner := range t {
			t[k] = normalizeJSON(inner)
		}
		return t
	case []interface{}:
		for i, inner := range t {
			t[i] = normalizeJSON(inner)
		}
		return t
	default:
		return v
	}
}
