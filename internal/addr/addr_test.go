package addr

import "testing"

func TestParse(t *testing.T) {
	a, err := Parse("127.0.0.1:9090")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.String() != "127.0.0.1:9090" {
		t.Fatalf("round-trip mismatch: %s", a.String())
	}
}

func TestParseNoPort(t *testing.T) {
	a, err := Parse("10.0.0.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Port != 0 {
		t.Fatalf("expected port 0, got %d", a.Port)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{"not-an-ip", "1.2.3.4:notaport", "", "1.2.3.4:999999"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Fatalf("expected error parsing %q", c)
		}
	}
}

func TestWithPort(t *testing.T) {
	a, _ := Parse("1.2.3.4:10")
	b := a.WithPort(20)
	if a.Port != 10 {
		t.Fatal("WithPort must not mutate the receiver")
	}
	if b.Port != 20 {
		t.Fatal("WithPort did not set new port")
	}
}
