package bencode

import (
	"reflect"
	"testing"
)

func TestMarshalScalars(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"spam", "4:spam"},
		{"", "0:"},
		{42, "i42e"},
		{-3, "i-3e"},
		{uint64(7), "i7e"},
		{true, "i1e"},
		{false, "i0e"},
	}

	for _, tc := range cases {
		got, err := Marshal(tc.in)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", tc.in, err)
		}
		if string(got) != tc.want {
			t.Errorf("Marshal(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMarshalDictSortsKeys(t *testing.T) {
	m := map[string]any{"b": 2, "a": 1, "c": 3}

	got, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	want := "d1:ai1e1:bi2e1:ci3ee"
	if string(got) != want {
		t.Errorf("Marshal(dict) = %q, want %q", got, want)
	}
}

func TestMarshalList(t *testing.T) {
	got, err := Marshal([]any{"spam", "eggs"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if want := "l4:spam4:eggse"; string(got) != want {
		t.Errorf("Marshal(list) = %q, want %q", got, want)
	}
}

func TestUnmarshalRoundTrip(t *testing.T) {
	orig := map[string]any{
		"announce": "http://tracker.example/announce",
		"info": map[string]any{
			"name":         "file.bin",
			"piece length": int64(16384),
			"length":       int64(100000),
		},
	}

	enc, err := Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	dec, err := Unmarshal(enc)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !reflect.DeepEqual(dec, orig) {
		t.Errorf("round trip mismatch: got %#v want %#v", dec, orig)
	}
}

func TestUnmarshalTrailingDataRejected(t *testing.T) {
	if _, err := Unmarshal([]byte("4:spam4:eggs")); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestDecodeIntegerCanonicalForm(t *testing.T) {
	bad := []string{"i03e", "i-0e", "ie", "i-e"}
	for _, b := range bad {
		if _, err := Unmarshal([]byte(b)); err == nil {
			t.Errorf("Unmarshal(%q): expected error, got none", b)
		}
	}
}

func TestDecodeNestedStructures(t *testing.T) {
	v, err := Unmarshal([]byte("l4:spamli1ei2eee"))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	list, ok := v.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("unexpected decode shape: %#v", v)
	}
}
