package main

import "testing"

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"3339962845_orig.mp4", "3339962845.mp4"},
		{"3339962845.mp4", "3339962845.mp4"},
		{"3339962845.mp4_extra_bits", "3339962845.mp4"},
		{"no_extension_here", "no"},
		{"plainfile", "plainfile"},
		{"a_b_c.mp4", "a.mp4"},
	}
	for _, c := range cases {
		if got := normalizeName(c.in); got != c.want {
			t.Errorf("normalizeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
