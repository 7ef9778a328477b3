package policy

import (
	"testing"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
)

func TestCheckCommandAllowed(t *testing.T) {
	cases := []struct {
		allow []string
		path  string
		ok    bool
	}{
		{nil, "execution start", true},
		{[]string{"execution start"}, "execution start", true},
		{[]string{" Execution   START "}, "execution start", true},
		{[]string{"execution status"}, "execution start", false},
		{[]string{"execution"}, "execution fund", true},
		{[]string{"exec"}, "execution fund", false},
		{[]string{"*"}, "serve", true},
		{[]string{"tools list"}, "schema", true},
		{[]string{"tools list"}, "version", true},
		{[]string{""}, "serve", false},
	}
	for _, tc := range cases {
		err := CheckCommandAllowed(tc.allow, tc.path)
		if tc.ok && err != nil {
			t.Fatalf("%v should allow %q: %v", tc.allow, tc.path, err)
		}
		if !tc.ok && !clierr.Is(err, clierr.CodeBlocked) {
			t.Fatalf("%v should block %q, got %v", tc.allow, tc.path, err)
		}
	}
}
