package utils

import "testing"

var hashTests = []struct {
	in  string
	out string
}{
	{"", "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
	{"{}", "bf21a9e8fbc5a3846fb05b4fa0859e0917b2202f"},
	{`{"count": 3}`, "f40fc3c59b4b6f6b45412e665c6bad207a9ddd10"},
	{"abc", "a9993e364706816aba3e25717850c26c9cd0d89d"},
}

func TestContentHash(t *testing.T) {
	for _, test := range hashTests {
		result := ContentHashString(test.in)
		if result != test.out {
			t.Errorf("ContentHashString(%q)=%s; expected %s", test.in, result, test.out)
		}
	}
}

func TestContentHashDiffers(t *testing.T) {
	a := ContentHashString(`{"size": 1.0}`)
	b := ContentHashString(`{"size": 2.0}`)
	if a == b {
		t.Errorf("distinct payloads hashed to the same digest %s", a)
	}
}
