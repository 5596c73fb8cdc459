package headers

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseRecordPairs(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"id":"r1","headers":[["Host","a"],["X-A","1"],["x-a","2"]]}`))
	if err != nil {
		t.Fatalf("ParseRecord error: %v", err)
	}
	if rec.ID != "r1" {
		t.Fatalf("expected id r1, got %q", rec.ID)
	}
	if len(rec.Headers) != 3 {
		t.Fatalf("expected 3 headers, got %d", len(rec.Headers))
	}
	if rec.Headers[2].Name != "x-a" || rec.Headers[2].Value != "2" {
		t.Fatalf("expected duplicate preserved with casing, got %+v", rec.Headers[2])
	}
	if rec.Headers.Count("X-A") != 2 {
		t.Fatalf("expected case-insensitive count 2")
	}
}

func TestParseRecordObjectKeepsOrder(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"headers":{"User-Agent":"curl","Accept":["a","b"],"Host":"h"}}`))
	if err != nil {
		t.Fatalf("ParseRecord error: %v", err)
	}
	want := []string{"User-Agent", "Accept", "Accept", "Host"}
	got := rec.Headers.Names()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestParseRecordRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"missing":      `{}`,
		"null":         `{"headers":null}`,
		"string":       `{"headers":"Host: a"}`,
		"number":       `{"headers":42}`,
		"short-pair":   `{"headers":[["Host"]]}`,
		"non-string":   `{"headers":[["Host",1]]}`,
		"object-value": `{"headers":{"Host":{"a":1}}}`,
		"null-value":   `{"headers":[["Host",null]]}`,
		"null-name":    `{"headers":[[null,"x"]]}`,
		"null-entry":   `{"headers":[null]}`,
		"object-null":  `{"headers":{"Host":null}}`,
		"list-null":    `{"headers":{"Accept":["a",null]}}`,
		"not-object":   `[1,2]`,
	}

	for name, input := range cases {
		_, err := ParseRecord([]byte(input))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
}

func TestParseBatchKeepsRawRecords(t *testing.T) {
	records, err := ParseBatch([]byte(`{"requests":[{"headers":[]},{"headers":"bad"}]}`))
	if err != nil {
		t.Fatalf("ParseBatch error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if _, err := ParseRecord(records[1]); err == nil {
		t.Fatalf("expected second record to fail validation")
	}

	if _, err := ParseBatch([]byte(`{"requests":{}}`)); err == nil {
		t.Fatalf("expected error for non-list requests")
	}
	if _, err := ParseBatch([]byte(`{}`)); err == nil {
		t.Fatalf("expected error for missing requests")
	}
}

func TestSetRoundTrip(t *testing.T) {
	rec := Record{Headers: Set{{Name: "Host", Value: "a"}, {Name: "host", Value: "b"}}}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"headers":[["Host","a"],["host","b"]]}` {
		t.Fatalf("unexpected encoding %s", data)
	}
}

func TestGroupsFirstSeenOrder(t *testing.T) {
	set := Set{{Name: "B", Value: "1"}, {Name: "a", Value: "2"}, {Name: "b", Value: "3"}}
	order, groups := set.Groups()
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("unexpected order %v", order)
	}
	if len(groups["b"]) != 2 {
		t.Fatalf("expected 2 values for b, got %v", groups["b"])
	}
}
