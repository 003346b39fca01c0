package sharding

import "testing"

func TestGetShardID_Deterministic(t *testing.T) {
	a := GetShardID("owner-42")
	b := GetShardID("owner-42")
	if a != b {
		t.Fatalf("shard id not deterministic: %d vs %d", a, b)
	}
	if a < 0 || a >= ShardCount {
		t.Fatalf("shard id out of range: %d", a)
	}
}

func TestChangeSubject_EncodesShardAndOwner(t *testing.T) {
	subject := ChangeSubject("owner-42")
	want := "app.change."
	if len(subject) <= len(want) || subject[:len(want)] != want {
		t.Fatalf("unexpected subject prefix: %q", subject)
	}
	if subject != ChangeSubject("owner-42") {
		t.Fatalf("subject not stable for the same owner")
	}
}
