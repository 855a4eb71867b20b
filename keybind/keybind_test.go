package keybind

import "testing"

func TestDefaultQuitBinding(t *testing.T) {
	tbl := Default()
	act, rest, consumed := tbl.Match([]byte{0x01, 'q', 'x', 'y'})
	if !consumed {
		t.Fatal("expected quit sequence to be consumed")
	}
	if act.Kind != ActionQuit {
		t.Fatalf("Kind = %v, want ActionQuit", act.Kind)
	}
	if string(rest) != "xy" {
		t.Fatalf("rest = %q, want %q", rest, "xy")
	}
}

func TestUnmatchedInputPassesThrough(t *testing.T) {
	tbl := Default()
	_, rest, consumed := tbl.Match([]byte("plain text"))
	if consumed {
		t.Fatal("plain text should not match any binding")
	}
	if string(rest) != "plain text" {
		t.Fatalf("rest = %q, want input unchanged", rest)
	}
}

func TestCustomSendBinding(t *testing.T) {
	tbl := NewTable([]Binding{
		{Keys: []byte{0x01, 's'}, Action: "send", Payload: []byte("\x03")},
	})
	act, _, consumed := tbl.Match([]byte{0x01, 's'})
	if !consumed || act.Kind != ActionSend || string(act.Payload) != "\x03" {
		t.Fatalf("got %+v, consumed=%v", act, consumed)
	}
}
