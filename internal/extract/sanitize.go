package extract

import "github.com/microcosm-cc/bluemonday"

var policy = bluemonday.UGCPolicy()

// Sanitize strips scripts, event handlers and other unsafe markup from
// worker output before it is placed in a page.
func Sanitize(fragment string) string {
	return policy.Sanitize(fragment)
}
