package jsoncodec

import (
	"bytes"
	"testing"
)

type testPayload struct {
	ID     int     `json:"id"`
	Name   string  `json:"name"`
	Reason *string `json:"reason"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "creditflow"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !bytes.Contains(data, []byte(`"reason":null`)) {
		t.Fatalf("expected absent optional field to encode as null, got %s", data)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.ID != in.ID || out.Name != in.Name || out.Reason != nil {
		t.Fatalf("expected round trip to match, got %#v", out)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	var out testPayload
	if err := Unmarshal([]byte(`{"id":1,"name":"a","extra":{"nested":true}}`), &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != 1 || out.Name != "a" {
		t.Fatalf("unexpected payload %#v", out)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"id":1}`)) {
		t.Fatal("expected valid JSON")
	}
	if Valid([]byte(`{"id":`)) {
		t.Fatal("expected truncated JSON to be invalid")
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Name: "stream"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testPayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.ID != payload.ID || decoded.Name != payload.Name {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}
