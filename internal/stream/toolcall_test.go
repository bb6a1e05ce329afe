package stream

import (
	"reflect"
	"testing"
)

func TestRepairToolArguments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
		ok   bool
	}{
		{
			name: "well formed",
			raw:  `{"city":"Oslo","days":3}`,
			want: map[string]any{"city": "Oslo", "days": float64(3)},
			ok:   true,
		},
		{
			name: "empty is zero-argument call",
			raw:  "",
			want: map[string]any{},
			ok:   true,
		},
		{
			name: "whitespace only",
			raw:  "  \n ",
			want: map[string]any{},
			ok:   true,
		},
		{
			name: "doubled empty object",
			raw:  `{}{}`,
			want: map[string]any{},
			ok:   true,
		},
		{
			name: "empty object prefix before payload",
			raw:  `{}{"q":"go"}`,
			want: map[string]any{"q": "go"},
			ok:   true,
		},
		{
			name: "concatenated duplicate documents",
			raw:  `{"q":"go"}{"q":"go"}`,
			want: map[string]any{"q": "go"},
			ok:   true,
		},
		{
			name: "duplicated prefix",
			raw:  `{"q":{"q":"go"}`,
			want: map[string]any{"q": "go"},
			ok:   true,
		},
		{
			name: "braces inside string values survive",
			raw:  `{"pattern":"{}{}"}`,
			want: map[string]any{"pattern": "{}{}"},
			ok:   true,
		},
		{
			name: "unrecoverable truncation",
			raw:  `{"q":"go`,
			ok:   false,
		},
		{
			name: "not an object",
			raw:  `[1,2,3]`,
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := repairToolArguments(tt.raw)
			if ok != tt.ok {
				t.Fatalf("repairToolArguments(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
			}
			if tt.ok && !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("repairToolArguments(%q) = %#v, want %#v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestAssemblerSyntheticIDDedupByArgs(t *testing.T) {
	asm := newToolCallAssembler()

	// Two keys, no provider ids, same name and arguments: one emission.
	asm.start("a", "", "lookup")
	asm.appendArgs("a", `{"id":7}`)
	asm.start("b", "", "lookup")
	asm.appendArgs("b", `{"id":7}`)

	events, errs := asm.finishAll()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(events) != 1 {
		t.Fatalf("expected args-hash dedup to one call, got %d", len(events))
	}
	if events[0].ID == "" {
		t.Fatal("expected synthetic id")
	}
}

func TestAssemblerDistinctArgsBothEmitted(t *testing.T) {
	asm := newToolCallAssembler()

	asm.start("a", "", "lookup")
	asm.appendArgs("a", `{"id":7}`)
	asm.start("b", "", "lookup")
	asm.appendArgs("b", `{"id":8}`)

	events, errs := asm.finishAll()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(events) != 2 {
		t.Fatalf("expected both distinct calls, got %d", len(events))
	}
}

func TestAssemblerFinishIsIdempotent(t *testing.T) {
	asm := newToolCallAssembler()
	asm.start("a", "call_1", "f")
	asm.appendArgs("a", `{}`)

	if _, ok, err := asm.finish("a"); err != nil || !ok {
		t.Fatalf("first finish: ok=%v err=%v", ok, err)
	}
	if _, ok, err := asm.finish("a"); err != nil || ok {
		t.Fatalf("second finish should be suppressed: ok=%v err=%v", ok, err)
	}
}

func TestAssemblerUnparseableReportsError(t *testing.T) {
	asm := newToolCallAssembler()
	asm.start("a", "call_1", "f")
	asm.appendArgs("a", `{"broken`)

	_, errs := asm.finishAll()
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
}
