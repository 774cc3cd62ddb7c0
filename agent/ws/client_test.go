package ws

import "testing"

func TestParseRevisionFromDecodedMap(t *testing.T) {
	rev, ok := parseRevision(map[string]interface{}{"revision": float64(7)})
	if !ok {
		t.Fatal("Expected revision to be parsed from map payload")
	}
	if rev != 7 {
		t.Errorf("Expected revision 7, got %d", rev)
	}
}

func TestParseRevisionFromRawJSON(t *testing.T) {
	rev, ok := parseRevision(`{"revision": 12}`)
	if !ok {
		t.Fatal("Expected revision to be parsed from JSON payload")
	}
	if rev != 12 {
		t.Errorf("Expected revision 12, got %d", rev)
	}
}

func TestParseRevisionRejectsMalformedPayloads(t *testing.T) {
	cases := []interface{}{
		nil,
		"not json",
		`{"other": 1}`,
		map[string]interface{}{"revision": "seven"},
		42,
	}
	for _, data := range cases {
		if _, ok := parseRevision(data); ok {
			t.Errorf("Expected payload %v to be rejected", data)
		}
	}
}
