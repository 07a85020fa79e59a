package canonical

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": true, "y": nil}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":null,"z":true}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestMarshalNumberNormalization(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"n":1}`, `{"n":1}`},
		{`{"n":1.0}`, `{"n":1.0}`},
		{`{"n":1.50}`, `{"n":1.5}`},
		{`{"n":1e3}`, `{"n":1000.0}`},
		{`{"n":-0.25}`, `{"n":-0.25}`},
		{`{"n":42,"m":42.0}`, `{"m":42.0,"n":42}`},
	}
	for _, tc := range cases {
		dec := json.NewDecoder(jsonReader(tc.in))
		dec.UseNumber()
		var tree any
		if err := dec.Decode(&tree); err != nil {
			t.Fatalf("decode %q: %v", tc.in, err)
		}
		got, err := Marshal(tree)
		if err != nil {
			t.Fatalf("marshal %q: %v", tc.in, err)
		}
		if string(got) != tc.want {
			t.Errorf("canonical(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestMarshalIdempotent(t *testing.T) {
	inputs := []string{
		`{"k":"v"}`,
		`{"b":[3,2.50,"x"],"a":{"nested":1e2}}`,
		`{"s":"café","n":10.0}`,
	}
	for _, in := range inputs {
		dec := json.NewDecoder(jsonReader(in))
		dec.UseNumber()
		var tree any
		if err := dec.Decode(&tree); err != nil {
			t.Fatalf("decode: %v", err)
		}
		once, err := Marshal(tree)
		if err != nil {
			t.Fatalf("first marshal: %v", err)
		}

		dec = json.NewDecoder(jsonReader(string(once)))
		dec.UseNumber()
		var reparsed any
		if err := dec.Decode(&reparsed); err != nil {
			t.Fatalf("reparse canonical form: %v", err)
		}
		twice, err := Marshal(reparsed)
		if err != nil {
			t.Fatalf("second marshal: %v", err)
		}
		if string(once) != string(twice) {
			t.Errorf("canonicalize not idempotent: %s != %s", once, twice)
		}
	}
}

func TestHashStableAcrossSerializations(t *testing.T) {
	h1, size1, err := Hash(map[string]any{"k": "v", "n": 1})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	h2, size2, err := Hash(map[string]any{"n": 1, "k": "v"})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash differs for equivalent payloads: %s vs %s", h1, h2)
	}
	if size1 != size2 || size1 == 0 {
		t.Errorf("unexpected canonical sizes: %d vs %d", size1, size2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestHashDistinguishesIntFromFloat(t *testing.T) {
	dec := json.NewDecoder(jsonReader(`{"n":1}`))
	dec.UseNumber()
	var intTree any
	_ = dec.Decode(&intTree)

	dec = json.NewDecoder(jsonReader(`{"n":1.0}`))
	dec.UseNumber()
	var floatTree any
	_ = dec.Decode(&floatTree)

	h1, _, _ := Hash(intTree)
	h2, _, _ := Hash(floatTree)
	if h1 == h2 {
		t.Error("integer and float forms should hash differently")
	}
}

func TestMarshalStruct(t *testing.T) {
	type policy struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	}
	data, err := Marshal(policy{Name: "mfa-required", Version: 2})
	if err != nil {
		t.Fatalf("marshal struct: %v", err)
	}
	if string(data) != `{"name":"mfa-required","version":2}` {
		t.Errorf("unexpected canonical struct: %s", data)
	}
}

func jsonReader(s string) *strings.Reader { return strings.NewReader(s) }
