package handlers

import "testing"

func TestCleanWorkspacePath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", wantErr: true},
		{in: "out.txt", want: "out.txt"},
		{in: "/out.txt", want: "out.txt"},
		{in: "sub/out.txt", want: "sub/out.txt"},
		{in: "../etc/passwd", want: "etc/passwd"},
		{in: "sub/../../escape", want: "escape"},
	}
	for _, tc := range cases {
		got, err := cleanWorkspacePath(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("cleanWorkspacePath(%q): expected error, got nil", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("cleanWorkspacePath(%q): unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("cleanWorkspacePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
