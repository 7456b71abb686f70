package kafka

import (
	"testing"
)

func TestEncode(t *testing.T) {
	msgs, err := encode([]Event{
		{Key: "1", Value: map[string]int{"item_id": 1}},
		{Key: "2", Value: "plain"},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(msgs[0].Value) != `{"item_id":1}` || string(msgs[0].Key) != "1" {
		t.Errorf("msg0 = %s/%s", msgs[0].Key, msgs[0].Value)
	}
	if string(msgs[1].Value) != `"plain"` {
		t.Errorf("msg1 value = %s", msgs[1].Value)
	}
}

func TestEncodeRejectsUnmarshalable(t *testing.T) {
	if _, err := encode([]Event{{Key: "x", Value: make(chan int)}}); err == nil {
		t.Error("expected error for channel value")
	}
}

func TestDecodeJSON(t *testing.T) {
	type admission struct {
		SourceRef string `json:"source_ref"`
	}
	got, err := DecodeJSON[admission]([]byte(`{"source_ref":"cam1/a.jpg"}`))
	if err != nil || got.SourceRef != "cam1/a.jpg" {
		t.Errorf("DecodeJSON = %+v, %v", got, err)
	}
	if _, err := DecodeJSON[admission]([]byte(`{`)); err == nil {
		t.Error("expected decode error")
	}
}
