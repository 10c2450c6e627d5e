package passdb

import "testing"

func TestDecodeResponse_OK(t *testing.T) {
	rec, ok, err := decodeResponse("OK\tproxy=y host=mx.example.com port=24")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected record found")
	}
	if rec["host"] != "mx.example.com" || rec["port"] != "24" || rec["proxy"] != "y" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestDecodeResponse_NotFound(t *testing.T) {
	_, ok, err := decodeResponse("NOTFOUND")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected not-found")
	}
}

func TestDecodeResponse_Fail(t *testing.T) {
	_, ok, err := decodeResponse("FAIL\tbackend unreachable")
	if err == nil {
		t.Fatal("expected error")
	}
	if ok {
		t.Fatal("expected not-ok on failure")
	}
}

func TestEscapeUser(t *testing.T) {
	if got := escapeUser("a\tb\r\nc"); got != "a%09b%0D%0Ac" {
		t.Fatalf("unexpected escaping: %q", got)
	}
}
