package zamq

import "testing"

func TestMethodReplyMatching(t *testing.T) {
	open := openChannelMethod("")
	if !openChannelOK().isReplyTo(open) {
		t.Fatal("channel.open-ok should answer channel.open")
	}
	if closeChannelOK().isReplyTo(open) {
		t.Fatal("channel.close-ok should not answer channel.open")
	}
	if closeConnectionOK().isReplyTo(closeChannelMethod(ReplySuccess, "")) {
		t.Fatal("reply matching must compare the class")
	}
}

func TestMethodHasReply(t *testing.T) {
	if !NewMethod("queue", "declare").hasReply() {
		t.Fatal("queue.declare expects a reply")
	}
	if NewMethod("queue", "declare-ok").hasReply() {
		t.Fatal("queue.declare-ok is itself a reply")
	}
	if !closeConnectionMethod(ReplySuccess, "bye").hasReply() {
		t.Fatal("connection.close expects close-ok")
	}
}

func TestMethodWithArg(t *testing.T) {
	m := NewMethod("basic", "publish").WithArg("routing-key", "jobs").WithArg("mandatory", true)
	if m.Args["routing-key"] != "jobs" || m.Args["mandatory"] != true {
		t.Fatalf("args = %v", m.Args)
	}
	if m.String() != "basic.publish" {
		t.Fatalf("String() = %q", m.String())
	}
}
