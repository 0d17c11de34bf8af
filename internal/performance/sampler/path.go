package sampler

import "strings"

// checkPath turns a JSONPath-style expression ($.users[0].name,
// $['users'][0]) into gjson syntax (users.0.name). Paths without a leading
// $ are taken to be gjson paths already and are returned unchanged.
func checkPath(path string) string {
	if !strings.HasPrefix(path, "$") {
		return path
	}

	path = strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	if path == "" {
		return "@this"
	}

	r := strings.NewReplacer("['", ".", "']", "", `["`, ".", `"]`, "", "[", ".", "]", "")
	return strings.TrimPrefix(r.Replace(path), ".")
}
