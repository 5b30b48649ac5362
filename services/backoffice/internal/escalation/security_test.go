package escalation

import "testing"

func TestAuthorizedCaller(t *testing.T) {
	cases := []struct {
		name       string
		presented  string
		configured string
		want       bool
	}{
		{"matching secret", "s3cret", "s3cret", true},
		{"wrong secret", "nope", "s3cret", false},
		{"empty presented", "", "s3cret", false},
		{"empty configured disables endpoint", "s3cret", "", false},
		{"both empty", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AuthorizedCaller(tc.presented, tc.configured); got != tc.want {
				t.Fatalf("AuthorizedCaller(%q, %q) = %v, want %v", tc.presented, tc.configured, got, tc.want)
			}
		})
	}
}
