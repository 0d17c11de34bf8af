package sampler

import "testing"

func TestCheckPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"status", "status"},
		{"data.items.#", "data.items.#"},
		{"$", "@this"},
		{"$.status", "status"},
		{"$.users[0].name", "users.0.name"},
		{"$['users'][0]", "users.0"},
		{`$["data"]["id"]`, "data.id"},
		{"$[2].id", "2.id"},
		{"$.matrix[1][0]", "matrix.1.0"},
	}

	for _, tt := range tests {
		if got := checkPath(tt.path); got != tt.want {
			t.Errorf("checkPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
