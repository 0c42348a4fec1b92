package types

import (
	"encoding/json"
	"testing"
)

func TestDispatchTerminal(t *testing.T) {
	tests := []struct {
		status DispatchStatus
		want   bool
	}{
		{DispatchPending, false},
		{DispatchRunning, false},
		{DispatchCompleted, true},
		{DispatchFailed, true},
		{DispatchTimeout, true},
		{DispatchCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from DispatchStatus
		to   DispatchStatus
		want bool
	}{
		{"pending to running", DispatchPending, DispatchRunning, true},
		{"pending to cancelled", DispatchPending, DispatchCancelled, true},
		{"running to completed", DispatchRunning, DispatchCompleted, true},
		{"running to cancelled", DispatchRunning, DispatchCancelled, true},
		{"running to timeout", DispatchRunning, DispatchTimeout, true},
		{"completed is absorbing", DispatchCompleted, DispatchRunning, false},
		{"cancelled is absorbing", DispatchCancelled, DispatchPending, false},
		{"failed to completed rejected", DispatchFailed, DispatchCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestValidPoolTransition(t *testing.T) {
	tests := []struct {
		name string
		from PoolEntryStatus
		to   PoolEntryStatus
		want bool
	}{
		{"idle to in_use", PoolIdle, PoolInUse, true},
		{"in_use to idle", PoolInUse, PoolIdle, true},
		{"idle to terminating", PoolIdle, PoolTerminating, true},
		{"in_use to terminating", PoolInUse, PoolTerminating, true},
		{"terminating to idle rejected", PoolTerminating, PoolIdle, false},
		{"terminating to in_use rejected", PoolTerminating, PoolInUse, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidPoolTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("ValidPoolTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestValidAgent(t *testing.T) {
	for _, a := range AllAgents {
		if !ValidAgent(a) {
			t.Errorf("ValidAgent(%s) should be true", a)
		}
	}
	if ValidAgent("gpt4all") {
		t.Error("unknown agent should be invalid")
	}
}

func TestMetaValueJSONRoundTrip(t *testing.T) {
	in := MetaMapOf(map[string]*MetaValue{
		"action":  MetaStr("dispatch"),
		"retries": MetaNum(3),
		"warm":    MetaBoolVal(true),
		"nested": MetaMapOf(map[string]*MetaValue{
			"subnets": MetaListOf(MetaStr("subnet-a"), MetaStr("subnet-b")),
		}),
	})

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out MetaValue
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if out.Kind != MetaMap {
		t.Fatalf("round trip kind = %d, want map", out.Kind)
	}
	if out.Map["action"].Str != "dispatch" {
		t.Errorf("action = %q, want dispatch", out.Map["action"].Str)
	}
	if out.Map["retries"].Num != 3 {
		t.Errorf("retries = %v, want 3", out.Map["retries"].Num)
	}
	if nested := out.Map["nested"]; nested.Kind != MetaMap || len(nested.Map["subnets"].List) != 2 {
		t.Error("nested list did not survive round trip")
	}
}

func TestMetaValueCloneIsDeep(t *testing.T) {
	orig := MetaMapOf(map[string]*MetaValue{
		"token": MetaStr("sensitive"),
	})
	cp := orig.Clone()
	cp.Map["token"].Str = "[REDACTED]"

	if orig.Map["token"].Str != "sensitive" {
		t.Error("Clone should not share nested values with the original")
	}
}
