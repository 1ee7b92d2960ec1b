package entity

import (
	"testing"

	"github.com/google/uuid"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    Type
		expectError bool
	}{
		{name: "upper case", input: "DEVICE", expected: Device},
		{name: "lower case", input: "rule_chain", expected: RuleChain},
		{name: "surrounding spaces", input: "  user ", expected: User},
		{name: "unknown type", input: "WIDGET", expectError: true},
		{name: "empty", input: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseType(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("ParseType(%q) expected error, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseType(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ParseType(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseTypes(t *testing.T) {
	got, err := ParseTypes("DEVICE, user,,RULE_NODE")
	if err != nil {
		t.Fatalf("ParseTypes() unexpected error: %v", err)
	}
	want := []Type{Device, User, RuleNode}
	if len(got) != len(want) {
		t.Fatalf("ParseTypes() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ParseTypes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := ParseTypes("DEVICE,NOPE"); err == nil {
		t.Error("ParseTypes() expected error for unknown type")
	}
	if got, err := ParseTypes(""); err != nil || len(got) != 0 {
		t.Errorf("ParseTypes(\"\") = %v, %v; want empty, nil", got, err)
	}
}

func TestParseID(t *testing.T) {
	u := uuid.New()

	id, err := ParseID("device", u.String())
	if err != nil {
		t.Fatalf("ParseID() unexpected error: %v", err)
	}
	if id.Type != Device || id.ID != u {
		t.Errorf("ParseID() = %v, want DEVICE:%s", id, u)
	}
	if id.String() != "DEVICE:"+u.String() {
		t.Errorf("ID.String() = %q", id.String())
	}

	if _, err := ParseID("device", "not-a-uuid"); err == nil {
		t.Error("ParseID() expected error for bad uuid")
	}
	if _, err := ParseID("gizmo", u.String()); err == nil {
		t.Error("ParseID() expected error for bad type")
	}
}

func TestID_Validate(t *testing.T) {
	tests := []struct {
		name        string
		id          ID
		expectError bool
	}{
		{name: "valid", id: NewID(Asset)},
		{name: "nil uuid", id: ID{Type: Asset}, expectError: true},
		{name: "unknown type", id: ID{Type: "X", ID: uuid.New()}, expectError: true},
		{name: "zero", id: ID{}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if (err != nil) != tt.expectError {
				t.Errorf("Validate() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}

func TestTenantEntity(t *testing.T) {
	tenant := uuid.New()
	id := TenantEntity(tenant)
	if id.Type != Tenant || id.ID != tenant {
		t.Errorf("TenantEntity() = %v", id)
	}
	if (ID{}).IsZero() != true {
		t.Error("zero ID should report IsZero")
	}
	if id.IsZero() {
		t.Error("tenant ID should not report IsZero")
	}
}
