package transport

import "testing"

func TestNicPathRoundTrip(t *testing.T) {
	path := MakeNicPath("node1.example.com:12001", "rdmap0")
	host, device, err := ParseNicPath(path)
	if err != nil {
		t.Fatalf("ParseNicPath(%q): %v", path, err)
	}
	if host != "node1.example.com:12001" || device != "rdmap0" {
		t.Fatalf("parsed %q into (%q, %q)", path, host, device)
	}
}

func TestParseNicPathMalformed(t *testing.T) {
	for _, path := range []string{"", "nodevice", "@dev0", "host@", "@"} {
		if _, _, err := ParseNicPath(path); err == nil {
			t.Fatalf("ParseNicPath(%q) accepted a malformed path", path)
		}
	}
}

func TestParseNicPathLastSeparatorWins(t *testing.T) {
	host, device, err := ParseNicPath("user@host@mem0")
	if err != nil {
		t.Fatalf("ParseNicPath: %v", err)
	}
	if host != "user@host" || device != "mem0" {
		t.Fatalf("parsed into (%q, %q)", host, device)
	}
}
