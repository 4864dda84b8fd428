package session

import "testing"

func TestNextName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Dragon Heist", "Dragon Heist [2]"},
		{"Dragon Heist [2]", "Dragon Heist [3]"},
		{"Dragon Heist [9]", "Dragon Heist [10]"},
		{"Dragon Heist [10]", "Dragon Heist [11]"},
		{"Campaign [2] extra", "Campaign [2] extra [2]"},
		{"[3]", "[3] [2]"},
	}
	for _, c := range cases {
		if got := NextName(c.in); got != c.want {
			t.Errorf("NextName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNextNameTwice(t *testing.T) {
	got := NextName(NextName("Campaign"))
	if got != "Campaign [3]" {
		t.Fatalf("double NextName = %q, want %q", got, "Campaign [3]")
	}
}

func TestBaseName(t *testing.T) {
	if got := BaseName("Dragon Heist [4]"); got != "Dragon Heist" {
		t.Errorf("BaseName = %q", got)
	}
	if got := BaseName("Dragon Heist"); got != "Dragon Heist" {
		t.Errorf("BaseName without suffix = %q", got)
	}
}

func TestContinuationNumber(t *testing.T) {
	if n := ContinuationNumber("Dragon Heist [42]"); n != 42 {
		t.Errorf("ContinuationNumber = %d, want 42", n)
	}
	if n := ContinuationNumber("Dragon Heist"); n != 0 {
		t.Errorf("ContinuationNumber without suffix = %d, want 0", n)
	}
}
