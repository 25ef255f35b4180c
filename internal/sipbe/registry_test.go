package sipbe

import "testing"

func TestRegistryIndexesBothIDs(t *testing.T) {
	r := newRegistry()
	d := &dialog{sipCallID: "sip-1", callID: "call-1"}

	r.add(d)
	if got := r.bySIP("sip-1"); got != d {
		t.Fatal("dialog not found by SIP Call-ID")
	}
	if got := r.byCall("call-1"); got != d {
		t.Fatal("dialog not found by call ID")
	}

	r.remove(d)
	if r.bySIP("sip-1") != nil || r.byCall("call-1") != nil {
		t.Fatal("removed dialog still indexed")
	}
}

func TestRegistryParkedDialogHasNoCallID(t *testing.T) {
	r := newRegistry()
	d := &dialog{sipCallID: "sip-1", incoming: true}

	r.add(d)
	if got := r.bySIP("sip-1"); got != d {
		t.Fatal("parked dialog not found by SIP Call-ID")
	}
	if got := r.byCall(""); got != nil {
		t.Fatal("parked dialog indexed under an empty call ID")
	}
}

func TestRegistryAssociateBindsCallID(t *testing.T) {
	r := newRegistry()
	d := &dialog{sipCallID: "sip-1", incoming: true}
	r.add(d)

	r.associate(d, "call-9")
	if d.callID != "call-9" {
		t.Fatalf("dialog callID = %q, want call-9", d.callID)
	}
	if got := r.byCall("call-9"); got != d {
		t.Fatal("associated dialog not found by call ID")
	}

	r.remove(d)
	if r.byCall("call-9") != nil {
		t.Fatal("removed dialog still indexed by call ID")
	}
}

func TestDialogAnsweredFlag(t *testing.T) {
	d := &dialog{}
	if d.isAnswered() {
		t.Fatal("new dialog reports answered")
	}
	d.setAnswered()
	if !d.isAnswered() {
		t.Fatal("answered flag not recorded")
	}
}
