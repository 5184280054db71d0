package model

import "testing"

func TestDocIDStable(t *testing.T) {
	a := DocID("engine-1", EntityIncident, "42")
	b := DocID("engine-1", EntityIncident, "42")
	if a != b {
		t.Fatalf("DocID not deterministic: %s != %s", a, b)
	}
	if len(a) != 32 {
		t.Errorf("len(DocID) = %d, want 32 hex chars", len(a))
	}
	if a == DocID("engine-2", EntityIncident, "42") {
		t.Error("different data sources produced the same id")
	}
	if a == DocID("engine-1", EntityProcessInstance, "42") {
		t.Error("different entity types produced the same id")
	}
}
