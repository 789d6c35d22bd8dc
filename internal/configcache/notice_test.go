package configcache

import "testing"

func TestNoticeWireFormat(t *testing.T) {
	payload, err := Notice{Kind: NoticeInvalidate, GroupID: "g1"}.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if got := string(payload); got != `{"type":"config_change","group_id":"g1"}` {
		t.Fatalf("payload = %s", got)
	}

	n, err := decodeNotice(payload)
	if err != nil {
		t.Fatalf("decodeNotice: %v", err)
	}
	if n.Kind != NoticeInvalidate || n.GroupID != "g1" {
		t.Fatalf("decoded = %+v", n)
	}
}

func TestDecodeNoticeRejectsUnknownType(t *testing.T) {
	if _, err := decodeNotice([]byte(`{"type":"drop_tables"}`)); err == nil {
		t.Fatal("expected error for unknown notice type")
	}
}

func TestMarshalRejectsUnknownKind(t *testing.T) {
	if _, err := (Notice{Kind: NoticeKind(42)}).MarshalBinary(); err == nil {
		t.Fatal("expected error for unknown notice kind")
	}
}
