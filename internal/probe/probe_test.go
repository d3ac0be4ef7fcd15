package probe

import (
	"context"
	"testing"
)

func TestRunMissingCommand(t *testing.T) {
	c := Run(context.Background(), Prerequisite{Name: "ghost", Command: "definitely-not-a-real-binary-xyz"})
	if c.Found {
		t.Fatalf("want Found=false for missing binary, got %+v", c)
	}
	if c.Satisfied() {
		t.Fatal("missing prerequisite must not be satisfied")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	c := Run(context.Background(), Prerequisite{Name: "false", Command: "false"})
	if c.Found {
		t.Fatalf("non-zero exit must encode Found=false, got %+v", c)
	}
}

func TestRunCapturesVersion(t *testing.T) {
	c := Run(context.Background(), Prerequisite{
		Name:    "echo",
		Command: "echo",
		Args:    []string{"tool version 1.2.3"},
	})
	if !c.Found {
		t.Fatalf("want Found=true got %+v", c)
	}
	if c.Version != "1.2.3" {
		t.Fatalf("want version 1.2.3 got %q", c.Version)
	}
}

func TestSatisfiedMinimum(t *testing.T) {
	cases := []struct {
		version, min string
		want         bool
	}{
		{"2.43.0", "2.30", true},
		{"2.29.1", "2.30", false},
		{"3.12.10", "3.10", true},
		{"3.9", "3.10", false},
		{"20.11.1", "18", true},
		{"weird", "3.10", true}, // unparsable version is advisory-pass
	}
	for _, tc := range cases {
		c := Check{Name: "x", Found: true, Version: tc.version, RequiredMinimum: tc.min}
		if got := c.Satisfied(); got != tc.want {
			t.Fatalf("Satisfied(%q min %q)=%v want %v", tc.version, tc.min, got, tc.want)
		}
	}
}

func TestExtractVersion(t *testing.T) {
	cases := map[string]string{
		"git version 2.43.0":          "2.43.0",
		"v20.11.1\n":                  "20.11.1",
		"Python 3.12.10":              "3.12.10",
		"Docker version 27.0.3, build abc": "27.0.3",
	}
	for in, want := range cases {
		if got := extractVersion(in); got != want {
			t.Fatalf("extractVersion(%q)=%q want %q", in, got, want)
		}
	}
}

func TestRunAllOrder(t *testing.T) {
	ps := []Prerequisite{
		{Name: "a", Command: "true"},
		{Name: "b", Command: "definitely-not-a-real-binary-xyz"},
	}
	cs := RunAll(context.Background(), ps)
	if len(cs) != 2 || cs[0].Name != "a" || cs[1].Name != "b" {
		t.Fatalf("unexpected checks %+v", cs)
	}
	if !cs[0].Found || cs[1].Found {
		t.Fatalf("found flags wrong: %+v", cs)
	}
}
