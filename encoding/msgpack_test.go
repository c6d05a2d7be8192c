package encoding

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "ZTF21abcdefg"},
		{"int64", int64(1700000000000)},
		{"float64", 2459000.5},
		{"bool", true},
		{"map", map[string]interface{}{"objectId": "ZTF21abcdefg", "candidate_rb": 0.9}},
		{"nested", map[string]interface{}{
			"objectId": "ZTF21abcdefg",
			"candidate": map[string]interface{}{
				"jd":   2459000.5,
				"nbad": 0,
			},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if len(data) == 0 {
				t.Error("Expected non-empty result")
			}
		})
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				result, err := Marshal(map[string]interface{}{"goroutine": id, "iteration": j})
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				if len(result) == 0 {
					t.Error("Expected non-empty result")
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestUnmarshal_LooseTypes(t *testing.T) {
	original := map[string]interface{}{
		"objectId": "ZTF21abcdefg",
		"blob":     []byte{0xDE, 0xAD},
		"nbad":     int32(0),
		"rb":       float32(0.5),
		"candidate": map[string]interface{}{
			"fid": 1,
		},
	}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var m map[string]interface{}
	if err := Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if v, ok := m["objectId"].(string); !ok || v != "ZTF21abcdefg" {
		t.Errorf("objectId: got %T %v", m["objectId"], m["objectId"])
	}
	if _, ok := m["blob"].(string); !ok {
		t.Errorf("blob: got %T, want string (loose decoding)", m["blob"])
	}
	if v, ok := m["nbad"].(int64); !ok || v != 0 {
		t.Errorf("nbad: got %T %v", m["nbad"], m["nbad"])
	}
	if _, ok := m["rb"].(float64); !ok {
		t.Errorf("rb: got %T, want float64", m["rb"])
	}
	nested, ok := m["candidate"].(map[string]interface{})
	if !ok {
		t.Fatalf("candidate: got %T, want map[string]interface{}", m["candidate"])
	}
	if v, ok := nested["fid"].(int64); !ok || v != 1 {
		t.Errorf("candidate.fid: got %T %v", nested["fid"], nested["fid"])
	}
}

func TestDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	for _, id := range []string{"a", "b", "c"} {
		data, err := Marshal(map[string]interface{}{"objectId": id})
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		buf.Write(data)
	}

	var got []string
	err := DecodeStream(&buf, func(m map[string]interface{}) error {
		got = append(got, m["objectId"].(string))
		return nil
	})
	if err != nil {
		t.Fatalf("DecodeStream failed: %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("unexpected stream order: %v", got)
	}
}

func TestDecodeStream_CallbackError(t *testing.T) {
	data, _ := Marshal(map[string]interface{}{"objectId": "a"})
	stop := errors.New("stop")

	err := DecodeStream(bytes.NewReader(append(data, data...)), func(map[string]interface{}) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func BenchmarkMarshal(b *testing.B) {
	data := map[string]interface{}{
		"objectId":     "ZTF21abcdefg",
		"candidate_jd": 2459000.5,
		"candidate_rb": 0.87,
		"timestamp":    int64(1234567890),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Marshal(data)
	}
}
