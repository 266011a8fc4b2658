package message

import "testing"

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{KindRequest, KindResponse, KindNotification} {
		if !k.Valid() {
			t.Fatalf("expect %v to be valid", k)
		}
	}
	for _, k := range []Kind{0, 4, 0xff} {
		if k.Valid() {
			t.Fatalf("expect %v to be invalid", k)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindRequest.String() != "Request" {
		t.Fatalf("unexpected name %q", KindRequest.String())
	}
	if Kind(9).String() != "Kind(9)" {
		t.Fatalf("unexpected name %q", Kind(9).String())
	}
}
