package science

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrolab/finkstream/record"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCutReason(t *testing.T) {
	tests := []struct {
		name   string
		fields record.Fields
		want   string
	}{
		{"passes", record.Fields{"candidate_nbad": int64(0), "candidate_rb": 0.7, "candidate_fid": int64(1)}, ""},
		{"bad pixels", record.Fields{"candidate_nbad": int64(2), "candidate_rb": 0.7, "candidate_fid": int64(1)}, "nbad"},
		{"low rb", record.Fields{"candidate_nbad": int64(0), "candidate_rb": 0.54, "candidate_fid": int64(1)}, "rb"},
		{"i band", record.Fields{"candidate_nbad": int64(0), "candidate_rb": 0.7, "candidate_fid": int64(3)}, "fid"},
		{"float nbad", record.Fields{"candidate_nbad": 0.0, "candidate_rb": 0.7, "candidate_fid": 2.0}, ""},
		{"missing rb", record.Fields{"candidate_nbad": int64(0), "candidate_fid": int64(1)}, "rb"},
		{"null nbad", record.Fields{"candidate_nbad": nil, "candidate_rb": 0.7, "candidate_fid": int64(1)}, "nbad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CutReason(tt.fields))
		})
	}
}

func TestFlattenAlert(t *testing.T) {
	fields, err := Flatten(map[string]interface{}{
		"objectId":  "ZTF1",
		"candid":    int64(7),
		"candidate": map[string]interface{}{"jd": 2460000.5, "rb": 0.9},
	})
	require.NoError(t, err)

	assert.Equal(t, 2460000.5, fields["candidate_jd"])
	assert.NotContains(t, fields, "candidate")
	assert.Equal(t, "ZTF1_7", RowKey(fields))

	_, err = Flatten(map[string]interface{}{"candidate": map[string]interface{}{}})
	assert.Error(t, err)
}

func TestRowKeyFallsBackToCandidateCandid(t *testing.T) {
	fields := record.Fields{"objectId": "ZTF1", "candidate_candid": int64(99)}
	assert.Equal(t, "ZTF1_99", RowKey(fields))
}

func TestResolveModules(t *testing.T) {
	mods, err := ResolveModules([]string{"magnitude_error_ratio", "mjd"})
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.Equal(t, "magnitude_error_ratio", mods[0].Name())

	fields := record.Fields{"candidate_magpsf": 18.0, "candidate_sigmapsf": 0.2, "candidate_jd": 2400001.5}
	for _, m := range mods {
		require.NoError(t, m.Process(fields))
	}
	assert.InDelta(t, 90.0, fields["magnitude_error_ratio"], 1e-9)
	assert.InDelta(t, 1.0, fields["mjd"], 1e-9)

	_, err = ResolveModules([]string{"cdsxmatch"})
	assert.Error(t, err)
	assert.Contains(t, Modules(), "mjd")
}

func TestReadAlertsJSONNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.json")
	content := `{"objectId":"ZTF1","candid":1234567890123,"candidate":{"rb":0.5,"fid":2}}

{"objectId":"ZTF2","candid":2,"candidate":{"rb":1,"fid":1}}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	alerts, err := ReadAlerts(path)
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	assert.Equal(t, int64(1234567890123), alerts[0]["candid"])
	candidate := alerts[0]["candidate"].(map[string]interface{})
	assert.Equal(t, 0.5, candidate["rb"])
	assert.Equal(t, int64(2), candidate["fid"])
}

func TestListRawFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.msgpack", "a.json", ".hidden.json", "c.avro", "d.json.gz", "e.msgpack.zst", "f.avro.gz"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0755))

	names, err := ListRawFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.msgpack", "d.json.gz", "e.msgpack.zst"}, names)

	names, err = ListRawFiles(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReadAlertsCompressed(t *testing.T) {
	const lines = `{"objectId":"ZTF1","candid":1}` + "\n" + `{"objectId":"ZTF2","candid":2}` + "\n"
	dir := t.TempDir()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write([]byte(lines))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json.gz"), gz.Bytes(), 0644))

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte(lines), nil)
	require.NoError(t, enc.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json.zst"), compressed, 0644))

	for _, name := range []string{"a.json.gz", "b.json.zst"} {
		alerts, err := ReadAlerts(filepath.Join(dir, name))
		require.NoError(t, err, name)
		require.Len(t, alerts, 2)
		assert.Equal(t, "ZTF2", alerts[1]["objectId"])
		assert.Equal(t, int64(2), alerts[1]["candid"])
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.json.gz"), []byte("not gzip"), 0644))
	_, err = ReadAlerts(filepath.Join(dir, "c.json.gz"))
	assert.Error(t, err)
}
